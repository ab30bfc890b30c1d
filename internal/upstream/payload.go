package upstream

// DeviceEnvInfo mirrors the environment block the web client sends.
type DeviceEnvInfo struct {
	DarkMode        bool   `json:"darkMode"`
	DeviceModelName string `json:"deviceModelName"`
	OSName          string `json:"osName"`
	OSVersion       string `json:"osVersion"`
}

// ModelConfigOverride carries per-request sampling overrides.
type ModelConfigOverride struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	ReasoningEffort string   `json:"reasoningEffort,omitempty"`
}

// RequestModelDetails pins the model inside responseMetadata.
type RequestModelDetails struct {
	ModelID string `json:"modelId"`
}

// ResponseMetadata wraps the model details and any sampling override.
type ResponseMetadata struct {
	RequestModelDetails RequestModelDetails  `json:"requestModelDetails"`
	ModelConfigOverride *ModelConfigOverride `json:"modelConfigOverride,omitempty"`
}

// ChatPayload is the request body for both the new-conversation and the
// continue endpoints. ParentResponseID is only set on continues.
type ChatPayload struct {
	Temporary             bool             `json:"temporary"`
	ModelName             string           `json:"modelName"`
	ModelMode             string           `json:"modelMode,omitempty"`
	Message               string           `json:"message"`
	ParentResponseID      string           `json:"parentResponseId,omitempty"`
	FileAttachments       []string         `json:"fileAttachments"`
	DisableSearch         bool             `json:"disableSearch"`
	DisableMemory         bool             `json:"disableMemory"`
	EnableImageGeneration bool             `json:"enableImageGeneration"`
	EnableImageStreaming  bool             `json:"enableImageStreaming"`
	ImageGenerationCount  int              `json:"imageGenerationCount"`
	ToolOverrides         map[string]bool  `json:"toolOverrides"`
	DeviceEnvInfo         DeviceEnvInfo    `json:"deviceEnvInfo"`
	ResponseMetadata      ResponseMetadata `json:"responseMetadata"`
}

// PayloadOptions are the knobs the chat service sets per request.
type PayloadOptions struct {
	Model           string // upstream model name
	Mode            string
	Message         string
	Temporary       bool
	ImageGeneration bool
	Attachments     []string
	Temperature     *float64
	TopP            *float64
	ReasoningEffort string
	ParentResponse  string
}

// NewChatPayload fills the payload the way the web client does.
func NewChatPayload(opts PayloadOptions) ChatPayload {
	p := ChatPayload{
		Temporary:             opts.Temporary,
		ModelName:             opts.Model,
		ModelMode:             opts.Mode,
		Message:               opts.Message,
		ParentResponseID:      opts.ParentResponse,
		FileAttachments:       opts.Attachments,
		DisableSearch:         false,
		DisableMemory:         true,
		EnableImageGeneration: opts.ImageGeneration,
		EnableImageStreaming:  opts.ImageGeneration,
		ImageGenerationCount:  2,
		ToolOverrides:         map[string]bool{},
		DeviceEnvInfo: DeviceEnvInfo{
			DeviceModelName: "Macintosh",
			OSName:          "Mac OS",
			OSVersion:       "10.15.7",
		},
		ResponseMetadata: ResponseMetadata{
			RequestModelDetails: RequestModelDetails{ModelID: opts.Model},
		},
	}
	if p.FileAttachments == nil {
		p.FileAttachments = []string{}
	}
	if opts.Temperature != nil || opts.TopP != nil || opts.ReasoningEffort != "" {
		p.ResponseMetadata.ModelConfigOverride = &ModelConfigOverride{
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			ReasoningEffort: opts.ReasoningEffort,
		}
	}
	return p
}
