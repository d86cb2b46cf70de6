// Package codec implements the two memo wire formats used to publish and
// recover subscription state from the ledger. These payloads are the only
// on-the-wire contract the engine defines and must remain byte-for-byte
// stable across client implementations.
package codec

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"subengine/internal/models"
)

const (
	// CreationPrefix marks a full subscription creation record
	CreationPrefix = "P01SUB1:"
	// UpdatePrefix marks a compact status update record
	UpdatePrefix = "P01UPD1:"

	// StroopsPerUnit converts between display units and the smallest
	// on-chain unit carried in memos
	StroopsPerUnit = 10_000_000

	creationFieldCount = 15
	updateFieldCount   = 3
)

// ErrMalformedMemo is returned for payloads that carry a known prefix but
// do not decode. Callers drop these; they are never fatal.
var ErrMalformedMemo = errors.New("malformed subscription memo")

// StatusUpdate is the decoded form of an update record
type StatusUpdate struct {
	StreamID  string
	Status    models.StreamStatus
	UpdatedAt time.Time
}

// EncodeCreation encodes a stream as a creation record memo payload.
func EncodeCreation(s *models.Stream) (string, error) {
	intervalCode, err := intervalCode(s.Frequency, s.CustomDays)
	if err != nil {
		return "", err
	}
	statusCode, err := statusCode(s.Status)
	if err != nil {
		return "", err
	}

	fields := []string{
		s.ID,
		escapeField(s.Name),
		s.Recipient,
		strconv.FormatInt(ToStroops(s.AmountPerPayment), 10),
		escapeField(s.TokenID),
		intervalCode,
		statusCode,
		strconv.FormatInt(s.NextPaymentDate.Unix(), 10),
		strconv.Itoa(s.TotalPayments),
		strconv.Itoa(s.PaymentsCompleted),
		strconv.FormatInt(s.CreatedAt.Unix(), 10),
		strconv.Itoa(int(math.Round(s.AmountNoise * 10_000))), // basis points
		strconv.Itoa(int(math.Round(s.TimingNoise * 100))),    // centihours
		boolField(s.UseStealthAddress),
		escapeField(s.Origin),
	}

	return CreationPrefix + strings.Join(fields, "|"), nil
}

// DecodeCreation decodes a creation record memo payload. The decoded stream
// carries the canonical subscription definition; local-only bookkeeping
// (payment history, noise adjustment) is always zero.
func DecodeCreation(memo string) (*models.Stream, error) {
	payload, ok := strings.CutPrefix(memo, CreationPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing creation prefix", ErrMalformedMemo)
	}

	fields := strings.Split(payload, "|")
	if len(fields) != creationFieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedMemo, creationFieldCount, len(fields))
	}

	if fields[0] == "" {
		return nil, fmt.Errorf("%w: empty stream id", ErrMalformedMemo)
	}
	if fields[2] == "" {
		return nil, fmt.Errorf("%w: empty recipient", ErrMalformedMemo)
	}

	stroops, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || stroops < 0 {
		return nil, fmt.Errorf("%w: bad amount %q", ErrMalformedMemo, fields[3])
	}
	frequency, customDays, err := parseIntervalCode(fields[5])
	if err != nil {
		return nil, err
	}
	status, err := parseStatusCode(fields[6])
	if err != nil {
		return nil, err
	}
	nextEpoch, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad next-payment epoch %q", ErrMalformedMemo, fields[7])
	}
	maxPayments, err := strconv.Atoi(fields[8])
	if err != nil || maxPayments < 0 {
		return nil, fmt.Errorf("%w: bad max payments %q", ErrMalformedMemo, fields[8])
	}
	paymentsMade, err := strconv.Atoi(fields[9])
	if err != nil || paymentsMade < 0 {
		return nil, fmt.Errorf("%w: bad payments made %q", ErrMalformedMemo, fields[9])
	}
	createdEpoch, err := strconv.ParseInt(fields[10], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad created epoch %q", ErrMalformedMemo, fields[10])
	}
	amountNoiseBP, err := strconv.Atoi(fields[11])
	if err != nil || amountNoiseBP < 0 {
		return nil, fmt.Errorf("%w: bad amount noise %q", ErrMalformedMemo, fields[11])
	}
	timingNoiseCH, err := strconv.Atoi(fields[12])
	if err != nil || timingNoiseCH < 0 {
		return nil, fmt.Errorf("%w: bad timing noise %q", ErrMalformedMemo, fields[12])
	}
	stealth, err := parseBoolField(fields[13])
	if err != nil {
		return nil, err
	}

	amountPerPayment := FromStroops(stroops)
	totalAmount := amountPerPayment
	if maxPayments > 0 {
		totalAmount = amountPerPayment * float64(maxPayments)
	}

	return &models.Stream{
		ID:                fields[0],
		Name:              unescapeField(fields[1]),
		Recipient:         fields[2],
		Direction:         models.DirectionOutgoing,
		TokenID:           unescapeField(fields[4]),
		Origin:            unescapeField(fields[14]),
		TotalAmount:       totalAmount,
		AmountPerPayment:  amountPerPayment,
		PaymentsCompleted: paymentsMade,
		TotalPayments:     maxPayments,
		Frequency:         frequency,
		CustomDays:        customDays,
		StartDate:         time.Unix(createdEpoch, 0).UTC(),
		NextPaymentDate:   time.Unix(nextEpoch, 0).UTC(),
		CreatedAt:         time.Unix(createdEpoch, 0).UTC(),
		AmountNoise:       float64(amountNoiseBP) / 10_000,
		TimingNoise:       float64(timingNoiseCH) / 100,
		UseStealthAddress: stealth,
		Status:            status,
	}, nil
}

// EncodeUpdate encodes a compact status update record.
func EncodeUpdate(streamID string, status models.StreamStatus, at time.Time) (string, error) {
	code, err := statusCode(status)
	if err != nil {
		return "", err
	}
	return UpdatePrefix + streamID + "|" + code + "|" + strconv.FormatInt(at.Unix(), 10), nil
}

// DecodeUpdate decodes a status update record.
func DecodeUpdate(memo string) (*StatusUpdate, error) {
	payload, ok := strings.CutPrefix(memo, UpdatePrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing update prefix", ErrMalformedMemo)
	}

	fields := strings.Split(payload, "|")
	if len(fields) != updateFieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedMemo, updateFieldCount, len(fields))
	}
	if fields[0] == "" {
		return nil, fmt.Errorf("%w: empty stream id", ErrMalformedMemo)
	}

	status, err := parseStatusCode(fields[1])
	if err != nil {
		return nil, err
	}
	epoch, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad update epoch %q", ErrMalformedMemo, fields[2])
	}

	return &StatusUpdate{
		StreamID:  fields[0],
		Status:    status,
		UpdatedAt: time.Unix(epoch, 0).UTC(),
	}, nil
}

// IsSubscriptionMemo reports whether a memo carries either payload prefix.
func IsSubscriptionMemo(memo string) bool {
	return strings.HasPrefix(memo, CreationPrefix) || strings.HasPrefix(memo, UpdatePrefix)
}

// ToStroops converts a display amount to the smallest on-chain unit.
func ToStroops(amount float64) int64 {
	return int64(math.Round(amount * StroopsPerUnit))
}

// FromStroops converts the smallest on-chain unit to a display amount.
func FromStroops(stroops int64) float64 {
	return float64(stroops) / StroopsPerUnit
}

func intervalCode(f models.Frequency, customDays int) (string, error) {
	switch f {
	case models.FrequencyDaily:
		return "d", nil
	case models.FrequencyWeekly:
		return "w", nil
	case models.FrequencyBiweekly:
		return "b", nil
	case models.FrequencyMonthly:
		return "m", nil
	case models.FrequencyCustom:
		if customDays <= 0 {
			return "", fmt.Errorf("custom frequency requires positive day count, got %d", customDays)
		}
		return "c" + strconv.Itoa(customDays), nil
	default:
		return "", fmt.Errorf("unknown frequency %q", f)
	}
}

func parseIntervalCode(code string) (models.Frequency, int, error) {
	switch {
	case code == "d":
		return models.FrequencyDaily, 0, nil
	case code == "w":
		return models.FrequencyWeekly, 0, nil
	case code == "b":
		return models.FrequencyBiweekly, 0, nil
	case code == "m":
		return models.FrequencyMonthly, 0, nil
	case strings.HasPrefix(code, "c"):
		days, err := strconv.Atoi(code[1:])
		if err != nil || days <= 0 {
			return "", 0, fmt.Errorf("%w: bad custom interval %q", ErrMalformedMemo, code)
		}
		return models.FrequencyCustom, days, nil
	default:
		return "", 0, fmt.Errorf("%w: unknown interval code %q", ErrMalformedMemo, code)
	}
}

func statusCode(s models.StreamStatus) (string, error) {
	switch s {
	case models.StreamActive:
		return "a", nil
	case models.StreamPaused:
		return "p", nil
	case models.StreamCancelled:
		return "x", nil
	case models.StreamCompleted:
		return "c", nil
	case models.StreamFailed:
		return "f", nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

func parseStatusCode(code string) (models.StreamStatus, error) {
	switch code {
	case "a":
		return models.StreamActive, nil
	case "p":
		return models.StreamPaused, nil
	case "x":
		return models.StreamCancelled, nil
	case "c":
		return models.StreamCompleted, nil
	case "f":
		return models.StreamFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown status code %q", ErrMalformedMemo, code)
	}
}

// Free-text fields are percent-escaped so the field separator stays
// unambiguous and decode remains a strict inverse.
func escapeField(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "|", "%7C")
	return s
}

func unescapeField(s string) string {
	s = strings.ReplaceAll(s, "%7C", "|")
	s = strings.ReplaceAll(s, "%25", "%")
	return s
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBoolField(s string) (bool, error) {
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: bad flag %q", ErrMalformedMemo, s)
	}
}
