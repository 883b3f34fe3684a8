package core

// SystemMessageStrategy declares how a backend's provider expects system
// messages to be delivered.
type SystemMessageStrategy string

const (
	// SystemInMessages keeps system messages inline in the message list.
	SystemInMessages SystemMessageStrategy = "in-messages"
	// SystemSeparateParameter strips system messages and sends them as a
	// distinct top-level parameter (e.g. Anthropic's "system").
	SystemSeparateParameter SystemMessageStrategy = "separate-parameter"
	// SystemPrependedToFirstUser prepends system text to the first user
	// message for providers without any system channel.
	SystemPrependedToFirstUser SystemMessageStrategy = "prepended-to-first-user"
	// SystemUnsupported drops system messages with a recorded warning.
	SystemUnsupported SystemMessageStrategy = "unsupported"
)

// Capabilities enumerates what an adapter's provider supports. The Bridge
// and the capability normalizer consult these to shape outbound requests.
type Capabilities struct {
	Streaming  bool `json:"streaming"`
	MultiModal bool `json:"multiModal"`
	Tools      bool `json:"tools"`

	MaxContextTokens int `json:"maxContextTokens,omitempty"`

	SystemMessageStrategy          SystemMessageStrategy `json:"systemMessageStrategy,omitempty"`
	SupportsMultipleSystemMessages bool                  `json:"supportsMultipleSystemMessages"`

	SupportsTemperature      bool `json:"supportsTemperature"`
	SupportsTopP             bool `json:"supportsTopP"`
	SupportsTopK             bool `json:"supportsTopK"`
	SupportsSeed             bool `json:"supportsSeed"`
	SupportsFrequencyPenalty bool `json:"supportsFrequencyPenalty"`
	SupportsPresencePenalty  bool `json:"supportsPresencePenalty"`

	// MaxStopSequences bounds stopSequences; the Bridge truncates longer
	// lists and records a warning rather than failing, to preserve
	// portability. Zero means no stop sequence support.
	MaxStopSequences int `json:"maxStopSequences,omitempty"`
}

// AdapterInfo is the immutable identity and capability set of an adapter.
type AdapterInfo struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Provider     string       `json:"provider"`
	Capabilities Capabilities `json:"capabilities"`
}
