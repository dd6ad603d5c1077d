package errors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}

	if !strings.Contains(err.Error(), "test error") {
		t.Errorf("Expected error message to contain 'test error', got: %s", err.Error())
	}

	if !strings.HasPrefix(err.Location(), "errors_test.go:") {
		t.Errorf("Location should point at the caller, got: %s", err.Location())
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")

	if err == nil {
		t.Fatal("Wrap() returned nil")
	}

	if !strings.Contains(err.Error(), "wrapped") || !strings.Contains(err.Error(), "base error") {
		t.Errorf("Expected wrapped message, got: %s", err.Error())
	}

	if errors.Unwrap(err) != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", errors.Unwrap(err))
	}

	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWithFieldDoesNotMutateOriginal(t *testing.T) {
	base := New("test error")
	withField := base.WithField("key", "value")

	if len(base.GetFields()) != 0 {
		t.Fatalf("Original error was mutated: %v", base.GetFields())
	}
	if withField.GetFields()["key"] != "value" {
		t.Errorf("Expected field['key'] = 'value', got: %v", withField.GetFields()["key"])
	}
}

func TestWithCode(t *testing.T) {
	err := New("test error").WithCode("TEST_CODE")

	if err.GetCode() != "TEST_CODE" {
		t.Errorf("Expected code 'TEST_CODE', got: %s", err.GetCode())
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	cause := errors.New("permission denied by user")

	testCases := []struct {
		name     string
		err      *Error
		sentinel error
		code     string
		blocking bool
	}{
		{"DeviceAccess", NewDeviceAccess("camera", cause), ErrDeviceAccess, "DEVICE_ACCESS", true},
		{"DetectorUnavailable", NewDetectorUnavailable("pose", cause), ErrDetectorUnavailable, "DETECTOR_UNAVAILABLE", true},
		{"Transport", NewTransport("session_1", cause), ErrTransport, "TRANSPORT", false},
		{"Submission", NewSubmission("session_1", cause), ErrSubmission, "SUBMISSION", false},
		{"Recognition", NewRecognition("google", cause), ErrRecognition, "RECOGNITION", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.sentinel) {
				t.Errorf("errors.Is() should match %v", tc.sentinel)
			}
			if !errors.Is(tc.err, cause) {
				t.Error("errors.Is() should match the cause")
			}
			if tc.err.GetCode() != tc.code {
				t.Errorf("Expected code %s, got %s", tc.code, tc.err.GetCode())
			}
			if IsBlocking(tc.err) != tc.blocking {
				t.Errorf("IsBlocking() = %v, want %v", IsBlocking(tc.err), tc.blocking)
			}
			if !strings.HasPrefix(tc.err.Location(), "errors_test.go:") {
				t.Errorf("Location should point at the caller, got: %s", tc.err.Location())
			}
		})
	}
}

func TestHelperFunctions(t *testing.T) {
	notActive := NewSessionNotActive()
	if !IsErrorType(notActive, ErrSessionNotActive) {
		t.Error("IsErrorType() should return true for ErrSessionNotActive")
	}

	codeErr := New("test error").WithCode("TEST_CODE")
	if GetErrorCode(codeErr) != "TEST_CODE" {
		t.Errorf("GetErrorCode() should return 'TEST_CODE', got: %s", GetErrorCode(codeErr))
	}

	fieldsErr := New("test error").WithField("key", "value")
	fields := GetErrorFields(fieldsErr)
	if fields == nil || fields["key"] != "value" {
		t.Error("GetErrorFields() should return the error fields")
	}

	if GetErrorLocation(New("test error")) == "" {
		t.Error("GetErrorLocation() should return a non-empty string")
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"NotFound", ErrNotFound, http.StatusNotFound},
		{"InvalidInput", ErrInvalidInput, http.StatusBadRequest},
		{"Wrapped", Wrap(ErrNotFound, "wrapped"), http.StatusNotFound},
		{"Unknown", errors.New("unknown"), http.StatusInternalServerError},
		{"SessionNotActive", NewSessionNotActive(), http.StatusNotFound},
		{"DeviceAccess", NewDeviceAccess("microphone", nil), http.StatusServiceUnavailable},
		{"SubmissionWithTimeoutCause", NewSubmission("s", ErrTimeout), http.StatusBadGateway},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status := HTTPStatusFromError(tc.err)
			if status != tc.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tc.expectedStatus, status)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "StructuredError",
			err:            New("test error").WithField("key", "value").WithCode("TEST_CODE"),
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `"message"`,
		},
		{
			name:           "StandardError",
			err:            ErrNotFound,
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"error": "resource not found"`,
		},
		{
			name:           "TransportError",
			err:            NewTransport("session_123", nil),
			expectedStatus: http.StatusBadGateway,
			expectedBody:   `"session_id": "session_123"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)

			if rec.Code != tc.expectedStatus {
				t.Errorf("Expected status %d, got: %d", tc.expectedStatus, rec.Code)
			}

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("Expected Content-Type 'application/json', got: %s", contentType)
			}

			body := rec.Body.String()
			if !strings.Contains(body, tc.expectedBody) {
				t.Errorf("Expected body to contain '%s', got: %s", tc.expectedBody, body)
			}
		})
	}
}
