package broker

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chatbone/broker/internal/errs"
)

func TestResolveFields(t *testing.T) {
	t.Parallel()

	all := []string{"a", "b", "c"}
	def := []string{"c"}

	got, err := resolveFields(all, nil, nil, def)
	if err != nil || !reflect.DeepEqual(got, def) {
		t.Fatalf("default: got %v, %v", got, err)
	}

	got, err = resolveFields(all, []string{"b", "x"}, nil, def)
	if err != nil || !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("include keeps only known fields: got %v, %v", got, err)
	}

	got, err = resolveFields(all, nil, []string{"b"}, def)
	if err != nil || !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("exclude: got %v, %v", got, err)
	}

	got, err = resolveFields(all, nil, []string{}, def)
	if err != nil || !reflect.DeepEqual(got, all) {
		t.Fatalf("empty exclude means everything: got %v, %v", got, err)
	}

	if _, err := resolveFields(all, []string{"a"}, []string{"b"}, def); !errors.Is(err, errs.ErrInvalidOperation) {
		t.Fatalf("include+exclude: want ErrInvalidOperation, got %v", err)
	}
}

func TestKeyScheme(t *testing.T) {
	t.Parallel()

	u := mustV7(t)
	if got, want := userRKey(u), "chatbone.broker:UserData:"+u.String(); got != want {
		t.Fatalf("userRKey = %q, want %q", got, want)
	}
	if got, want := secretRKey("tok"), "chatbone.broker:UserData:<encrypted_token>:tok"; got != want {
		t.Fatalf("secretRKey = %q, want %q", got, want)
	}
	if got, want := sessionStreamRKey(u, "cs2as"), "chatbone.broker:ChatSessionData:"+u.String()+":<cs2as_stream>"; got != want {
		t.Fatalf("sessionStreamRKey = %q, want %q", got, want)
	}
}
