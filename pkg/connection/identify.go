package connection

// identifyRequest is the consumer's identity document, sent as the body of
// an IDENTIFY command. Field names and units (milliseconds) match spec.md
// §6's wire-exact IDENTIFY contract.
type identifyRequest struct {
	ClientID            string `json:"client_id"`
	Hostname            string `json:"hostname"`
	UserAgent           string `json:"user_agent"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval"`
	OutputBufferSize    int    `json:"output_buffer_size,omitempty"`
	OutputBufferTimeMS  int64  `json:"output_buffer_timeout,omitempty"`
	MsgTimeoutMS        int64  `json:"msg_timeout,omitempty"`
	TLSv1               bool   `json:"tls_v1"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level,omitempty"`
	Snappy              bool   `json:"snappy"`
	SampleRate          int32  `json:"sample_rate"`
}

// identifyResponse is the server's negotiated feature document, parsed from
// the IDENTIFY response frame.
type identifyResponse struct {
	MaxRdyCount         int64  `json:"max_rdy_count"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval"`
	OutputBufferSize    int    `json:"output_buffer_size"`
	OutputBufferTimeMS  int64  `json:"output_buffer_timeout"`
	MsgTimeoutMS        int64  `json:"msg_timeout"`
	TLSv1               bool   `json:"tls_v1"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	Snappy              bool   `json:"snappy"`
	SampleRate          int32  `json:"sample_rate"`
	AuthRequired        bool   `json:"auth_required"`
}
