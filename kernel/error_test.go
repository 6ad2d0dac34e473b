package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Kind:    KindInvalidArgument,
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	if exp, got := "invalid argument", err.Kind.String(); exp != got {
		t.Fatalf("expected Kind.String() to return %q; got %q", exp, got)
	}
}
