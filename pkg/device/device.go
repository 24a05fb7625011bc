// Package device defines the per-device credential model shared by the
// resolver, the migration engine and every settings store adapter.
//
// # Secret kinds
//
// A camera exposes its local RTSP stream behind one of two passwords:
//
//   - the Verification Code, printed on the device sticker and always available
//   - the Encryption Key, only meaningful when on-device encryption is enabled
//
// A Record keeps a slot for each kind (see Secrets) and a single active kind.
// Switching the active kind never clears the other slot, so a device whose two
// secrets were fetched once can be toggled without another cloud round trip.
//
// # Identifiers
//
// Device identifiers are the camera serial numbers as reported by the cloud.
// They are stored exactly as received; downstream entity bindings depend on
// them being stable. NormalizeID exists only for user-typed lookups.
package device

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// FetchPlaceholder is the value a user types to ask for a cloud fetch
	// instead of supplying the secret directly.
	FetchPlaceholder = "fetch_my_key"

	// DefaultUsername is the local RTSP account every camera ships with.
	DefaultUsername = "admin"

	// DefaultRTSPPath selects the sub stream, which every model serves.
	DefaultRTSPPath = "/Streaming/Channels/102"

	// MainStreamRTSPPath selects the full resolution stream.
	MainStreamRTSPPath = "/Streaming/Channels/101"

	// DefaultRTSPPort is the port cameras listen on for RTSP.
	DefaultRTSPPort = 554

	// CurrentSchemaVersion is the settings layout produced by migration.
	// Legacy entries carrying a lower version are consumed and removed.
	CurrentSchemaVersion = 4
)

// SecretKind selects which secret is used as the RTSP password.
type SecretKind int

const (
	VerificationCode SecretKind = iota
	EncryptionKey
)

// Kinds lists every secret kind in a stable order.
var Kinds = []SecretKind{VerificationCode, EncryptionKey}

func (k SecretKind) String() string {
	switch k {
	case VerificationCode:
		return "verification_code"
	case EncryptionKey:
		return "encryption_key"
	default:
		return fmt.Sprintf("secret_kind(%d)", int(k))
	}
}

// Short returns the abbreviation used in CLI flags and key names.
func (k SecretKind) Short() string {
	if k == EncryptionKey {
		return "enc"
	}
	return "vc"
}

// Valid reports whether k is one of the known kinds.
func (k SecretKind) Valid() bool {
	return k == VerificationCode || k == EncryptionKey
}

// ParseSecretKind accepts the long and the short spelling of a kind.
func ParseSecretKind(s string) (SecretKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verification_code", "verification-code", "vc", "password":
		return VerificationCode, nil
	case "encryption_key", "encryption-key", "enc", "enc_key":
		return EncryptionKey, nil
	}
	return 0, fmt.Errorf("unknown secret kind %q (want vc or enc)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k SecretKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid secret kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SecretKind) UnmarshalText(b []byte) error {
	parsed, err := ParseSecretKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsPlaceholder reports whether v asks for a cloud fetch rather than
// carrying a secret. An empty value counts as a request too.
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == FetchPlaceholder
}

// Secrets holds one slot per SecretKind. Unresolved slots carry the
// placeholder.
type Secrets struct {
	VerificationCode string
	EncryptionKey    string
}

// NewSecrets returns a variant with both slots unresolved.
func NewSecrets() Secrets {
	return Secrets{VerificationCode: FetchPlaceholder, EncryptionKey: FetchPlaceholder}
}

// Get returns the raw slot value for kind.
func (s Secrets) Get(kind SecretKind) string {
	if kind == EncryptionKey {
		return s.EncryptionKey
	}
	return s.VerificationCode
}

// Set replaces the slot for kind. An empty value resets it to the placeholder.
func (s *Secrets) Set(kind SecretKind, value string) {
	if strings.TrimSpace(value) == "" {
		value = FetchPlaceholder
	}
	if kind == EncryptionKey {
		s.EncryptionKey = value
		return
	}
	s.VerificationCode = value
}

// Resolved reports whether kind holds a real secret.
func (s Secrets) Resolved(kind SecretKind) bool {
	return !IsPlaceholder(s.Get(kind))
}

// Record is the unified per-device credential entry stored under a cloud
// account.
type Record struct {
	DeviceID  string
	Username  string
	Kind      SecretKind
	Secrets   Secrets
	RTSPPath  string
	Validated bool
}

// NewRecord returns the defaults used when a device is first configured.
func NewRecord(deviceID string) Record {
	return Record{
		DeviceID: deviceID,
		Username: DefaultUsername,
		Kind:     VerificationCode,
		Secrets:  NewSecrets(),
		RTSPPath: DefaultRTSPPath,
	}
}

// ActiveSecret returns the secret for the selected kind and whether it is
// resolved. The inactive slot is never consulted.
func (r Record) ActiveSecret() (string, bool) {
	v := r.Secrets.Get(r.Kind)
	return v, !IsPlaceholder(v)
}

// Normalize fills empty fields with their defaults without touching the
// device identifier.
func (r Record) Normalize() Record {
	if strings.TrimSpace(r.Username) == "" {
		r.Username = DefaultUsername
	}
	if strings.TrimSpace(r.RTSPPath) == "" {
		r.RTSPPath = DefaultRTSPPath
	}
	if !r.Kind.Valid() {
		r.Kind = VerificationCode
	}
	r.Secrets.Set(VerificationCode, r.Secrets.VerificationCode)
	r.Secrets.Set(EncryptionKey, r.Secrets.EncryptionKey)
	return r
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("device record has no identifier")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("device %s: invalid secret kind %d", r.DeviceID, int(r.Kind))
	}
	if r.RTSPPath != "" && !strings.HasPrefix(r.RTSPPath, "/") {
		return fmt.Errorf("device %s: rtsp path %q must start with /", r.DeviceID, r.RTSPPath)
	}
	return nil
}

// LegacyEntry is a per-device configuration record written by older
// releases, one settings entry per camera. EntryID identifies the entry in
// the store; several entries may name the same DeviceID.
type LegacyEntry struct {
	EntryID       string
	DeviceID      string
	Username      string
	Password      string
	EncryptionKey string
	RTSPPath      string
	SchemaVersion int
}

// Completeness counts the populated, non-placeholder fields. Migration uses
// it to arbitrate between duplicate entries for one device.
func (e LegacyEntry) Completeness() int {
	n := 0
	if strings.TrimSpace(e.Username) != "" {
		n++
	}
	if !IsPlaceholder(e.Password) {
		n++
	}
	if !IsPlaceholder(e.EncryptionKey) {
		n++
	}
	if strings.TrimSpace(e.RTSPPath) != "" {
		n++
	}
	return n
}

// NeedsMigration reports whether the entry predates the current layout.
func (e LegacyEntry) NeedsMigration() bool {
	return e.SchemaVersion < CurrentSchemaVersion
}

// ToRecord converts a legacy entry into a unified record. The verification
// code is selected; the identifier is copied unchanged.
func (e LegacyEntry) ToRecord() Record {
	r := NewRecord(e.DeviceID)
	if strings.TrimSpace(e.Username) != "" {
		r.Username = e.Username
	}
	r.Secrets.Set(VerificationCode, e.Password)
	r.Secrets.Set(EncryptionKey, e.EncryptionKey)
	if strings.TrimSpace(e.RTSPPath) != "" {
		r.RTSPPath = e.RTSPPath
	}
	return r
}

// NormalizeID canonicalizes a user-typed serial for lookups.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// StreamURL composes rtsp://<username>:<secret>@<ip>:554<path> for the
// record's active secret.
func StreamURL(r Record, ip string) (string, error) {
	secret, ok := r.ActiveSecret()
	if !ok {
		return "", fmt.Errorf("device %s: %s is not resolved", r.DeviceID, r.Kind)
	}
	if strings.TrimSpace(ip) == "" {
		return "", fmt.Errorf("device %s: no ip address", r.DeviceID)
	}
	path := r.RTSPPath
	if path == "" {
		path = DefaultRTSPPath
	}
	u := url.URL{
		Scheme: "rtsp",
		User:   url.UserPassword(r.Username, secret),
		Host:   net.JoinHostPort(ip, strconv.Itoa(DefaultRTSPPort)),
		Path:   path,
	}
	return u.String(), nil
}
