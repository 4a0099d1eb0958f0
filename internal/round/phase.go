package round

import "time"

// Phase is the round's position in the four-stage protocol. Transitions
// are one-way — see Round.advancePhaseLocked.
type Phase int

const (
	InputRegistration Phase = iota
	ConnectionConfirmation
	OutputRegistration
	Signing
)

func (p Phase) String() string {
	switch p {
	case InputRegistration:
		return "input_registration"
	case ConnectionConfirmation:
		return "connection_confirmation"
	case OutputRegistration:
		return "output_registration"
	case Signing:
		return "signing"
	default:
		return "unknown"
	}
}

// Status is the round's terminal/non-terminal state, orthogonal to Phase.
type Status int

const (
	Running Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "running"
	}
}

// Config is the set of tunables a Round is created with — the struct the
// spec's §6 names verbatim (network, denomination, anonymity_set, ...).
type Config struct {
	Network               string
	Denomination          int64 // satoshis
	AnonymitySet          int
	FeePerInput           int64
	FeePerOutput          int64
	CoordinatorFeePercent float64

	AliceRegistrationTimeout  time.Duration
	ConnectionConfirmTimeout  time.Duration
	OutputRegistrationTimeout time.Duration
	SigningTimeout            time.Duration

	MaxUnconfirmedCoinJoins int
	MaxInputsPerAlice       int
	BanDuration             time.Duration

	// MaxInputRegistrationExtensions bounds how many times the
	// InputRegistration timer resets instead of failing the round when
	// fewer than two Alices are registered (§4.4's
	// "implementation-defined policy" — fixed here at 3, see DESIGN.md).
	MaxInputRegistrationExtensions int
}

// DefaultConfig returns sane defaults matching the spec's stated field
// defaults (§6): max 7 inputs/Alice, 24 max unconfirmed coinjoins, 30-day
// bans.
func DefaultConfig() Config {
	return Config{
		Network:                        "mainnet",
		FeePerInput:                    5_000,
		FeePerOutput:                   10_000,
		CoordinatorFeePercent:          0.003,
		AliceRegistrationTimeout:       10 * time.Minute,
		ConnectionConfirmTimeout:       1 * time.Minute,
		OutputRegistrationTimeout:      1 * time.Minute,
		SigningTimeout:                 1 * time.Minute,
		MaxUnconfirmedCoinJoins:        24,
		MaxInputsPerAlice:              7,
		BanDuration:                    30 * 24 * time.Hour,
		MaxInputRegistrationExtensions: 3,
	}
}

// NetworkFee is the fee an Alice with n inputs owes: n inputs plus the
// reserved mix-output and change-output (§4.4 rule 4).
func (c Config) NetworkFee(numInputs int) int64 {
	return int64(numInputs)*c.FeePerInput + 2*c.FeePerOutput
}
