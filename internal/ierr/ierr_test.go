package ierr

import (
	"errors"
	"testing"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New("tentative set for node %d did not collapse (%d candidates)", 3, 2)
	if err.Error() != "tentative set for node 3 did not collapse (2 candidates)" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestErrorsAsDistinguishesInternalErrors(t *testing.T) {
	var target *Error
	if !errors.As(New("boom"), &target) {
		t.Fatal("errors.As should recognize an ierr.Error")
	}
	if errors.As(errors.New("plain"), &target) {
		t.Fatal("errors.As should not match an ordinary error")
	}
}
