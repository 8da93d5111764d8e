// Package account implements the credential store (C1), the per-account
// call-log recorder (C3), and the account pool / selector (C4).
package account

import (
	"encoding/json"
	"time"
)

// Type is the upstream channel family an account talks to.
type Type string

const (
	TypeAmazonQ   Type = "amazon_q"
	TypeGemini    Type = "gemini"
	TypeCustomAPI Type = "custom_api"
)

// Format distinguishes the two wire shapes a custom_api account can speak.
type Format string

const (
	FormatOpenAI Format = "openai"
	FormatClaude Format = "claude"
)

// ModelMapping substitutes a requested model for a target model, evaluated
// in order — the first match wins (§4.6).
type ModelMapping struct {
	RequestModel string `json:"requestModel"`
	TargetModel  string `json:"targetModel"`
}

// ModelQuota tracks Gemini's per-model remaining-quota signal, persisted in
// Extension under the "geminiQuota" key.
type ModelQuota struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Extension is the free-form, channel-specific blob of §3. The store never
// interprets it; callers marshal/unmarshal the sub-shape relevant to the
// account's Type.
type Extension struct {
	// amazon_q
	ProfileARN string `json:"profileArn,omitempty"`

	// gemini
	ProjectID   string                `json:"projectId,omitempty"`
	APIEndpoint string                `json:"apiEndpoint,omitempty"`
	ModelQuotas map[string]ModelQuota `json:"modelQuotas,omitempty"`

	// custom_api
	APIBase  string `json:"apiBase,omitempty"`
	Model    string `json:"model,omitempty"`
	Format   Format `json:"format,omitempty"`
	Provider string `json:"provider,omitempty"` // "" or "azure"

	ModelMappings []ModelMapping `json:"modelMappings,omitempty"`
}

// Marshal serializes the extension to the JSON text stored alongside the
// account row.
func (e Extension) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseExtension parses the persisted extension JSON; an empty string
// yields a zero-value Extension.
func ParseExtension(raw string) (Extension, error) {
	var e Extension
	if raw == "" {
		return e, nil
	}
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Extension{}, err
	}
	return e, nil
}

// RefreshStatus records the outcome of the most recent token refresh.
type RefreshStatus string

const (
	RefreshStatusUnknown RefreshStatus = ""
	RefreshStatusOK      RefreshStatus = "ok"
	RefreshStatusFailed  RefreshStatus = "failed"
)

// Account is the persisted credential-store row (§3 Account).
type Account struct {
	ID    string `gorm:"primaryKey"`
	Type  Type
	Label string

	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	TokenExpiresAt time.Time

	ExtensionJSON string `gorm:"column:extension"`

	Enabled           bool
	Weight            int
	RateLimitPerHour  int
	CooldownUntil     time.Time
	LastUsedAt        time.Time

	RequestCount int64
	SuccessCount int64
	ErrorCount   int64
	ErrorStreak  int

	LastRefreshStatus RefreshStatus
	LastRefreshAt     time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the gorm table name so it matches §6's schema naming.
func (Account) TableName() string { return "accounts" }

// Extension decodes the account's extension blob.
func (a *Account) Extension() (Extension, error) {
	return ParseExtension(a.ExtensionJSON)
}

// SetExtension encodes and stores ext onto the account (caller still must
// persist via the store).
func (a *Account) SetExtension(ext Extension) error {
	s, err := ext.Marshal()
	if err != nil {
		return err
	}
	a.ExtensionJSON = s
	return nil
}

// Eligible reports the base eligibility filter of §4.4, excluding the
// circuit-breaker and rate-limit checks which the pool evaluates separately
// (they require state outside this struct).
func (a *Account) Eligible(now time.Time) bool {
	if !a.Enabled {
		return false
	}
	if a.CooldownUntil.After(now) {
		return false
	}
	return true
}

// CallLog is a single §3 CallLog row, appended on successful upstream
// completion (§4.3).
type CallLog struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID string `gorm:"index:idx_calllog_account_ts"`
	Timestamp time.Time `gorm:"index:idx_calllog_account_ts"`
	Model     string
}

func (CallLog) TableName() string { return "call_logs" }

// Admin is a bcrypt-hashed admin credential (§D.3).
type Admin struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	PasswordHash string
	CreatedAt    time.Time
}

func (Admin) TableName() string { return "admins" }
