package storage

// Settings keys as they appear in the stored JSON documents. Command handlers
// write single keys through Scope.Set; readers decode the whole document.
const (
	KeyLocation     = "location"
	KeyTimezone     = "timezone"
	KeyLanguage     = "language"
	KeySystemPrompt = "system_prompt"
	KeyCreativity   = "creativity"
	KeyModel        = "model"
	KeyAutorespond  = "autorespond"
	KeyHistoryDepth = "history_depth"
	KeyPlugins      = "plugins"
	KeyDebug        = "debug"
	KeyInformed     = "informed_missing_model"
)

const (
	DefaultLanguage     = "en"
	DefaultHistoryDepth = 5
)

type ChannelSettings struct {
	Location     string   `json:"location,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
	Language     string   `json:"language,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Creativity   float64  `json:"creativity"`
	Model        string   `json:"model,omitempty"`
	Autorespond  bool     `json:"autorespond"`
	HistoryDepth int      `json:"history_depth"`
	Plugins      []string `json:"plugins"`
	Debug        bool     `json:"debug"`
}

type UserSettings struct {
	Location string `json:"location,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
	// Informed is set once the user has been told no model is available.
	Informed bool `json:"informed_missing_model,omitempty"`
}

type Credential struct {
	UserID      string
	KeyName     string
	SealedValue string
}

type UsageTotals struct {
	UserID        string
	MonthlyTokens int64
	MonthlyCost   float64
	PastTokens    []int64
	PastCost      []float64
}

type AuditEntry struct {
	ChannelID string
	UserID    string
	Action    string
	MetaJSON  string
}
