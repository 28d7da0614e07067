package gocometd

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessage_Failed(t *testing.T) {
	testCases := []struct {
		name    string
		message Message
		want    bool
	}{
		{
			"explicit success",
			Message{Channel: MetaConnect, Successful: boolPtr(true)},
			false,
		},
		{
			"explicit failure",
			Message{Channel: MetaConnect, Successful: boolPtr(false)},
			true,
		},
		{
			"successful field absent",
			Message{Channel: "/foo/bar"},
			false,
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.message.Failed(); got != tc.want {
				t.Errorf("expected Failed() = %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMessage_SuccessfulRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		body  string
		check func(*testing.T, Message)
	}{
		{
			"successful true",
			`{"channel":"/meta/connect","successful":true}`,
			func(t *testing.T, m Message) {
				if m.Successful == nil || !*m.Successful {
					t.Errorf("expected an explicit true, got %v", m.Successful)
				}
			},
		},
		{
			"successful false",
			`{"channel":"/meta/connect","successful":false}`,
			func(t *testing.T, m Message) {
				if m.Successful == nil || *m.Successful {
					t.Errorf("expected an explicit false, got %v", m.Successful)
				}
			},
		},
		{
			"successful absent",
			`{"channel":"/foo/bar","data":{"key":"value"}}`,
			func(t *testing.T, m Message) {
				if m.Successful != nil {
					t.Errorf("expected the field to stay unset, got %v", *m.Successful)
				}
			},
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tc.body), &m); err != nil {
				t.Fatalf("expected the message to unmarshal but got %q", err)
			}
			tc.check(t, m)
		})
	}
}

func TestMessage_TimestampAsTime(t *testing.T) {
	m := Message{Timestamp: "2020-05-01T06:28:51.00"}
	got, err := m.TimestampAsTime()
	if err != nil {
		t.Errorf("expected a valid timestamp, got err %q", err)
	}
	if want := time.Date(2020, time.May, 1, 6, 28, 51, 0, time.UTC); want != got {
		t.Errorf("unexpected time parse; want %v, got %v", want, got)
	}
}

func TestMessage_ParseError(t *testing.T) {
	testCases := []struct {
		name      string
		errorStr  string
		expected  MessageError
		shouldErr bool
	}{
		// Examples taken from the Bayeux error field grammar
		{
			"no error args",
			"401::No client ID",
			MessageError{401, []string{""}, "No client ID"},
			false,
		},
		{
			"one nonsense error arg",
			"402:xj3sjdsjdsjad:Unknown Client ID",
			MessageError{402, []string{"xj3sjdsjdsjad"}, "Unknown Client ID"},
			false,
		},
		{
			"two args",
			"403:xj3sjdsjdsjad,/foo/bar:Subscription denied",
			MessageError{403, []string{"xj3sjdsjdsjad", "/foo/bar"}, "Subscription denied"},
			false,
		},
		{
			"one channel name arg",
			"404:/foo/bar:Unknown Channel",
			MessageError{404, []string{"/foo/bar"}, "Unknown Channel"},
			false,
		},
		{
			"invalid status code",
			"4o4:/foo/bar:Broken Error Code",
			MessageError{},
			true,
		},
		{
			"invalid error string",
			"404-/foo/bar-Unknown Channel",
			MessageError{},
			true,
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Error: tc.errorStr}
			got, err := m.ParseError()
			if err != nil && tc.shouldErr {
				return
			}
			if err != nil && !tc.shouldErr {
				t.Errorf("expected a parsed MessageError but got an err: %q", err)
			}
			if err == nil && tc.shouldErr {
				t.Error("expected an error but didn't get one")
			}

			want := tc.expected
			if want.ErrorCode != got.ErrorCode {
				t.Errorf("error parsing error code; want %v, got %v", want.ErrorCode, got.ErrorCode)
			}

			if want.ErrorMessage != got.ErrorMessage {
				t.Errorf("error parsing error message; want %v, got %v", want.ErrorMessage, got.ErrorMessage)
			}

			if len(want.ErrorArgs) != len(got.ErrorArgs) {
				t.Errorf("error parsing error args (found different lengths); want %v, got %v", want.ErrorArgs, got.ErrorArgs)
			}

			for index, arg := range want.ErrorArgs {
				if arg != got.ErrorArgs[index] {
					t.Errorf("error parsing error args (found different items at same position %d); want %v, got %v", index, want.ErrorArgs, got.ErrorArgs)
				}
			}
		})
	}
}

func TestMessage_GetExt(t *testing.T) {
	testCases := []struct {
		name         string
		message      *Message
		shouldCreate bool
		want         map[string]interface{}
	}{
		{
			name:         "nil extension is initialized as a map with create=true",
			message:      &Message{},
			shouldCreate: true,
			want:         make(map[string]interface{}),
		},
		{
			name:         "nil extension is not initialized with create=false",
			message:      &Message{},
			shouldCreate: false,
			want:         nil,
		},
		{
			name:         "non-nil extension is not overwritten with create=true",
			message:      &Message{Ext: map[string]interface{}{"foo": "bar"}},
			shouldCreate: true,
			want:         map[string]interface{}{"foo": "bar"},
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := tc.message.GetExt(tc.shouldCreate)
			if tc.want == nil && got != nil {
				t.Errorf("expected GetExt(%v) to return nil, got %v", tc.shouldCreate, got)
			}
			if tc.want != nil && got == nil {
				t.Errorf("expected GetExt(%v) to return %v, got nil", tc.shouldCreate, tc.want)
			}
			if len(tc.want) == len(got) {
				for k, vi := range tc.want {
					wantv, _ := vi.(string)
					gotv, _ := got[k].(string)
					if wantv != gotv {
						t.Errorf("expected Ext[%s] == %s, got %s", k, wantv, gotv)
					}
				}
			}
		})
	}
}

func TestAdvice_Reconnect(t *testing.T) {
	testCases := []struct {
		name                    string
		reconnect               string
		mustNotRetryOrHandshake bool
		shouldRetry             bool
		shouldHandshake         bool
	}{
		{
			"reconnect advice is none",
			"none",
			true,
			false,
			false,
		},
		{
			"reconnect advice is retry",
			"retry",
			false,
			true,
			false,
		},
		{
			"reconnect advice is handshake",
			"handshake",
			false,
			false,
			true,
		},
		{
			"reconnect advice is absent",
			"",
			false,
			false,
			false,
		},
	}
	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			a := Advice{Reconnect: tc.reconnect}
			if got, want := a.MustNotRetryOrHandshake(), tc.mustNotRetryOrHandshake; want != got {
				t.Errorf("expected MustNotRetryOrHandshake() = %v, got %v", want, got)
			}
			if got, want := a.ShouldRetry(), tc.shouldRetry; want != got {
				t.Errorf("expected ShouldRetry() = %v, got %v", want, got)
			}
			if got, want := a.ShouldHandshake(), tc.shouldHandshake; want != got {
				t.Errorf("expected ShouldHandshake() = %v, got %v", want, got)
			}
		})
	}
}

func TestAdvice_Durations(t *testing.T) {
	testCases := []struct {
		name     string
		millis   int
		expected time.Duration
	}{
		{
			"two seconds",
			2000,
			time.Duration(2) * time.Second,
		},
		{
			"two hundred milliseconds",
			200,
			time.Duration(200) * time.Millisecond,
		},
		{
			"three minutes",
			180000,
			time.Duration(3) * time.Minute,
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			a := Advice{Timeout: tc.millis, Interval: tc.millis}
			if got, want := a.TimeoutAsDuration(), tc.expected; want != got {
				t.Errorf("expected TimeoutAsDuration() = %v, got %v", want, got)
			}
			if got, want := a.IntervalAsDuration(), tc.expected; want != got {
				t.Errorf("expected IntervalAsDuration() = %v, got %v", want, got)
			}
		})
	}
}
