package festivechat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseMessageStatus(t *testing.T) {
	t.Run("canonical values", func(t *testing.T) {
		cases := map[string]MessageStatus{
			"pending":   StatusPending,
			"sent":      StatusSent,
			"delivered": StatusDelivered,
			"failed":    StatusFailed,
		}
		for raw, want := range cases {
			got, ok := ParseMessageStatus(raw)
			if !ok || got != want {
				t.Errorf("ParseMessageStatus(%q) = (%q, %v), want (%q, true)", raw, got, ok, want)
			}
		}
	})

	t.Run("case and whitespace normalized", func(t *testing.T) {
		for _, raw := range []string{"Sent", "SENT", "  sent  ", "\tSent\n"} {
			got, ok := ParseMessageStatus(raw)
			if !ok || got != StatusSent {
				t.Errorf("ParseMessageStatus(%q) = (%q, %v), want (sent, true)", raw, got, ok)
			}
		}
	})

	t.Run("unrecognized values rejected", func(t *testing.T) {
		for _, raw := range []string{"", "read", "sentt", "ok", "2"} {
			if got, ok := ParseMessageStatus(raw); ok {
				t.Errorf("ParseMessageStatus(%q) = (%q, true), want rejection", raw, got)
			}
		}
	})
}

func TestParseWireTime(t *testing.T) {
	t.Run("accepted layouts", func(t *testing.T) {
		for _, raw := range []string{
			"2026-03-14T09:26:53.589Z",
			"2026-03-14T09:26:53Z",
			"2026-03-14 09:26:53",
		} {
			got := parseWireTime(raw)
			if got.IsZero() {
				t.Errorf("parseWireTime(%q) returned zero time", raw)
			}
			if got.Year() != 2026 || got.Month() != time.March || got.Day() != 14 {
				t.Errorf("parseWireTime(%q) = %v, wrong date", raw, got)
			}
		}
	})

	t.Run("empty and garbage yield zero time", func(t *testing.T) {
		for _, raw := range []string{"", "yesterday", "14/03/2026"} {
			if got := parseWireTime(raw); !got.IsZero() {
				t.Errorf("parseWireTime(%q) = %v, want zero time", raw, got)
			}
		}
	})
}

func TestResultDecode(t *testing.T) {
	t.Run("decodes data payload", func(t *testing.T) {
		var result Result
		if err := json.Unmarshal([]byte(`{"ok":true,"data":{"threadId":"T42"}}`), &result); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		var data resolveThreadData
		if err := result.Decode(&data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if data.ThreadID != "T42" {
			t.Errorf("ThreadID = %q, want T42", data.ThreadID)
		}
	})

	t.Run("nil data is a no-op", func(t *testing.T) {
		result := Result{OK: true}
		var data resolveThreadData
		if err := result.Decode(&data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if data.ThreadID != "" {
			t.Errorf("ThreadID = %q, want empty", data.ThreadID)
		}
	})

	t.Run("error envelope", func(t *testing.T) {
		var result Result
		if err := json.Unmarshal([]byte(`{"ok":false,"error":{"code":"FORBIDDEN","message":"nope"}}`), &result); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if result.OK {
			t.Error("OK = true, want false")
		}
		if result.Error == nil || result.Error.Code != "FORBIDDEN" {
			t.Errorf("Error = %+v, want code FORBIDDEN", result.Error)
		}
		if got := result.Error.Error(); got != "FORBIDDEN: nope" {
			t.Errorf("Error() = %q", got)
		}
	})
}
