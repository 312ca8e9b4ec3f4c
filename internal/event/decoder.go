package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// WaterbotEvent is one decoded device telemetry event. Times are
// device-clock epoch seconds. Optional diagnostics that the firmware did
// not report are nil.
type WaterbotEvent struct {
	TimeOfReading        int64
	TimeSent             int64
	Sequence             int64
	ReadingPeriodSec     int64
	CurrentMeterReading  int64
	PreviousMeterReading int64
	ReportedUsagePulses  int64
	PulseTimestampDeltas []int64
	WifiSignalDBM        *float64
	WifiSNRDB            *float64
	WifiStrengthPct      *float64
	WifiQualityPct       *float64
	BatteryV             *float64
	BatteryPct           *float64
	NetworkRetryCount    int64
	FirmwareVersion      string
}

// MalformedPayloadError reports a payload that could not be decoded into a
// WaterbotEvent: not valid base64/JSON, or missing required fields.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// rawPayload mirrors the firmware's wire schema. The short keys are
// mnemonic codes chosen to keep the radio payload small; pointers
// distinguish absent fields from zero values.
type rawPayload struct {
	T   *int64   `json:"t"`
	At  *int64   `json:"at"`
	Seq *int64   `json:"seq"`
	Per *int64   `json:"per"`
	Cur *int64   `json:"cur"`
	Lst *int64   `json:"lst"`
	Use *int64   `json:"use"`
	Pts []int64  `json:"pts"`
	Sig *float64 `json:"sig"`
	Snr *float64 `json:"snr"`
	Sgp *float64 `json:"sgp"`
	Sqp *float64 `json:"sqp"`
	Btv *float64 `json:"btv"`
	Btp *float64 `json:"btp"`
	Try *int64   `json:"try"`
	V   *string  `json:"v"`
}

// Decode parses a raw base64-encoded JSON device payload into a
// WaterbotEvent. It is a pure translation of the wire codes into the
// semantic event shape; no unit conversion happens here.
func Decode(body []byte) (*WaterbotEvent, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid base64", Err: err}
	}

	var raw rawPayload
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid JSON", Err: err}
	}

	if missing := missingRequired(raw); missing != "" {
		return nil, &MalformedPayloadError{Reason: fmt.Sprintf("missing required field %q", missing)}
	}

	ev := &WaterbotEvent{
		TimeOfReading:        *raw.T,
		TimeSent:             *raw.T,
		Sequence:             *raw.Seq,
		ReadingPeriodSec:     *raw.Per,
		CurrentMeterReading:  *raw.Cur,
		PreviousMeterReading: *raw.Lst,
		ReportedUsagePulses:  *raw.Use,
		PulseTimestampDeltas: raw.Pts,
		WifiSignalDBM:        raw.Sig,
		WifiSNRDB:            raw.Snr,
		WifiStrengthPct:      raw.Sgp,
		WifiQualityPct:       raw.Sqp,
		BatteryV:             raw.Btv,
		BatteryPct:           raw.Btp,
		FirmwareVersion:      "unknown",
	}
	if raw.At != nil {
		ev.TimeSent = *raw.At
	}
	if raw.Try != nil {
		ev.NetworkRetryCount = *raw.Try
	}
	if raw.V != nil {
		ev.FirmwareVersion = *raw.V
	}

	return ev, nil
}

func missingRequired(raw rawPayload) string {
	switch {
	case raw.T == nil:
		return "t"
	case raw.Seq == nil:
		return "seq"
	case raw.Per == nil:
		return "per"
	case raw.Cur == nil:
		return "cur"
	case raw.Lst == nil:
		return "lst"
	case raw.Use == nil:
		return "use"
	}
	return ""
}
