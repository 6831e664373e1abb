// Package validate rejects malformed client input before it reaches any
// state mutation. Rules are allowlists; anything not matched is an error.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	maxRoomIDLen         = 50
	maxActionLen         = 50
	maxGameTypeLen       = 50
	maxTemplateNameLen   = 100
	maxIdempotencyKeyLen = 64
	maxReferenceIDLen    = 100
	maxConfigJSONLen     = 4096
	maxCoinAmount        = 1_000_000_000_000

	shortCodeLen = 5
)

var (
	roomIDRe         = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	actionRe         = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	gameTypeRe       = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	templateNameRe   = regexp.MustCompile(`^[a-zA-Z0-9 _()\-.,]+$`)
	idempotencyKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
	referenceIDRe    = regexp.MustCompile(`^[a-zA-Z0-9_:\-]+$`)
	shortCodeRe      = regexp.MustCompile(`^[23456789ABCDEFGHJKLMNPQRSTUVWXYZ]{5}$`)
)

// RoomID accepts hex room ids.
func RoomID(s string) error {
	if s == "" || len(s) > maxRoomIDLen {
		return fmt.Errorf("roomId must be 1-%d characters", maxRoomIDLen)
	}
	if !roomIDRe.MatchString(s) {
		return fmt.Errorf("roomId must be hexadecimal")
	}
	return nil
}

// Action accepts snake_case engine action names.
func Action(s string) error {
	if s == "" || len(s) > maxActionLen {
		return fmt.Errorf("action must be 1-%d characters", maxActionLen)
	}
	if !actionRe.MatchString(s) {
		return fmt.Errorf("action must be lowercase snake_case")
	}
	return nil
}

// GameType accepts alphanumeric game type names.
func GameType(s string) error {
	if s == "" || len(s) > maxGameTypeLen {
		return fmt.Errorf("gameType must be 1-%d characters", maxGameTypeLen)
	}
	if !gameTypeRe.MatchString(s) {
		return fmt.Errorf("gameType must be alphanumeric")
	}
	return nil
}

// TemplateName accepts human-facing template names.
func TemplateName(s string) error {
	if s == "" || len(s) > maxTemplateNameLen {
		return fmt.Errorf("templateName must be 1-%d characters", maxTemplateNameLen)
	}
	if !templateNameRe.MatchString(s) {
		return fmt.Errorf("templateName contains invalid characters")
	}
	return nil
}

// IdempotencyKey accepts client-supplied dedup keys.
func IdempotencyKey(s string) error {
	if s == "" || len(s) > maxIdempotencyKeyLen {
		return fmt.Errorf("idempotencyKey must be 1-%d characters", maxIdempotencyKeyLen)
	}
	if !idempotencyKeyRe.MatchString(s) {
		return fmt.Errorf("idempotencyKey contains invalid characters")
	}
	return nil
}

// ReferenceID accepts ledger reference ids such as "win:room:user".
func ReferenceID(s string) error {
	if s == "" || len(s) > maxReferenceIDLen {
		return fmt.Errorf("referenceId must be 1-%d characters", maxReferenceIDLen)
	}
	if !referenceIDRe.MatchString(s) {
		return fmt.Errorf("referenceId contains invalid characters")
	}
	return nil
}

// CoinAmount bounds ledger deltas.
func CoinAmount(v int64) error {
	if v > maxCoinAmount || v < -maxCoinAmount {
		return fmt.Errorf("coinAmount out of range")
	}
	return nil
}

// ConfigJSON accepts a bounded, well-formed JSON document.
func ConfigJSON(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > maxConfigJSONLen {
		return fmt.Errorf("config must be at most %d bytes", maxConfigJSONLen)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("config is not valid JSON")
	}
	return nil
}

// ShortCode accepts 5-character room codes from the registry alphabet.
func ShortCode(s string) error {
	if len(s) != shortCodeLen || !shortCodeRe.MatchString(s) {
		return fmt.Errorf("invalid room code")
	}
	return nil
}

// RoomRef accepts either a room id or a short code; the second return is true
// when the value is a short code.
func RoomRef(s string) (bool, error) {
	if ShortCode(s) == nil {
		return true, nil
	}
	if err := RoomID(s); err != nil {
		return false, fmt.Errorf("must be a room id or a 5-character room code")
	}
	return false, nil
}
