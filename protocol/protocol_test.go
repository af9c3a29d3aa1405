package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/internal/codec"
)

func paymentSpec() Spec {
	return Spec{
		Name:    "payment",
		Version: "1.0.0",
		Schemas: []Schema{
			{Name: "RequestPayment", Fields: []Field{
				{Name: "amount", Type: "uint64"},
				{Name: "currency", Type: "string"},
			}},
			{Name: "CommitPayment", Fields: []Field{
				{Name: "reference", Type: "string"},
			}},
			{Name: "RejectPayment", Fields: []Field{
				{Name: "reason", Type: "string"},
			}},
		},
	}
}

func TestDigestDeterministic(t *testing.T) {
	a, err := Digest(paymentSpec())
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	b, err := Digest(paymentSpec())
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if a != b {
		t.Errorf("same spec produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest is %d hex chars, want 64", len(a))
	}
}

func TestDigestIgnoresSchemaOrder(t *testing.T) {
	spec := paymentSpec()
	want, err := Digest(spec)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}

	reversed := paymentSpec()
	for i, j := 0, len(reversed.Schemas)-1; i < j; i, j = i+1, j-1 {
		reversed.Schemas[i], reversed.Schemas[j] = reversed.Schemas[j], reversed.Schemas[i]
	}
	got, err := Digest(reversed)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if got != want {
		t.Error("schema listing order changed the digest")
	}
}

func TestDigestSensitiveToFieldOrder(t *testing.T) {
	want, err := Digest(paymentSpec())
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}

	swapped := paymentSpec()
	f := swapped.Schemas[0].Fields
	f[0], f[1] = f[1], f[0]
	got, err := Digest(swapped)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if got == want {
		t.Error("reordering fields within a schema did not change the digest")
	}
}

func TestDigestSensitiveToContent(t *testing.T) {
	base, err := Digest(paymentSpec())
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"version bump", func(s *Spec) { s.Version = "1.0.1" }},
		{"rename", func(s *Spec) { s.Name = "billing" }},
		{"field type", func(s *Spec) { s.Schemas[0].Fields[0].Type = "int64" }},
		{"extra schema", func(s *Spec) {
			s.Schemas = append(s.Schemas, Schema{Name: "CancelPayment"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := paymentSpec()
			tt.mutate(&spec)
			got, err := Digest(spec)
			if err != nil {
				t.Fatalf("Digest() error = %v", err)
			}
			if got == base {
				t.Error("mutation did not change the digest")
			}
		})
	}
}

func TestDigestRejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"no name", Spec{Version: "1.0.0", Schemas: paymentSpec().Schemas}, ErrInvalidSpec},
		{"no version", Spec{Name: "payment", Schemas: paymentSpec().Schemas}, ErrInvalidSpec},
		{"no schemas", Spec{Name: "payment", Version: "1.0.0"}, ErrInvalidSpec},
		{"unnamed schema", Spec{Name: "payment", Version: "1.0.0", Schemas: []Schema{{}}}, ErrInvalidSpec},
		{"duplicate schema", Spec{Name: "payment", Version: "1.0.0", Schemas: []Schema{
			{Name: "RequestPayment"}, {Name: "RequestPayment"},
		}}, ErrDuplicateSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Digest(tt.spec); !errors.Is(err, tt.want) {
				t.Errorf("Digest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type requestPayment struct {
	Amount   uint64 `cbor:"1,keyasint"`
	Currency string `cbor:"2,keyasint"`
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	first, err := r.Register(paymentSpec())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := r.Register(paymentSpec())
	if err != nil {
		t.Fatalf("Register() second error = %v", err)
	}
	if first != second {
		t.Errorf("Register() digests differ: %s vs %s", first, second)
	}
	if !r.Supports(first) {
		t.Error("Supports() = false for registered digest")
	}
	if r.Supports("0000") {
		t.Error("Supports() = true for unknown digest")
	}
}

func TestRegistryBindAndDecode(t *testing.T) {
	r := NewRegistry()
	digest, err := r.Register(paymentSpec())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var handled bool
	handler := func(ctx context.Context, from identity.Address, session string, msg any) error {
		handled = true
		return nil
	}
	if err := r.Bind(digest, "RequestPayment", func() any { return new(requestPayment) }, handler); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	payload, err := codec.Marshal(requestPayment{Amount: 100, Currency: "EUR"})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := r.Decode(digest, "RequestPayment", payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	req, ok := decoded.(*requestPayment)
	if !ok {
		t.Fatalf("Decode() returned %T, want *requestPayment", decoded)
	}
	if req.Amount != 100 || req.Currency != "EUR" {
		t.Errorf("Decode() = %+v, want {100 EUR}", req)
	}

	h, ok := r.Handler(digest, "RequestPayment")
	if !ok {
		t.Fatal("Handler() not found after Bind()")
	}
	if err := h(context.Background(), "aw1", "s", req); err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Error("bound handler was not invoked")
	}
}

func TestRegistryBindErrors(t *testing.T) {
	r := NewRegistry()
	digest, err := r.Register(paymentSpec())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	factory := func() any { return new(requestPayment) }

	if err := r.Bind("0000", "RequestPayment", factory, nil); !errors.Is(err, ErrUnknownDigest) {
		t.Errorf("Bind() unknown digest error = %v, want ErrUnknownDigest", err)
	}
	if err := r.Bind(digest, "NoSuchSchema", factory, nil); !errors.Is(err, ErrUnknownSchema) {
		t.Errorf("Bind() unknown schema error = %v, want ErrUnknownSchema", err)
	}
	if err := r.Bind(digest, "RequestPayment", factory, nil); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := r.Bind(digest, "RequestPayment", factory, nil); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("Bind() rebind error = %v, want ErrAlreadyBound", err)
	}
}

func TestRegistryDecodeUnbound(t *testing.T) {
	r := NewRegistry()
	digest, err := r.Register(paymentSpec())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Decode(digest, "RequestPayment", nil); !errors.Is(err, ErrUnknownSchema) {
		t.Errorf("Decode() unbound error = %v, want ErrUnknownSchema", err)
	}
	if _, err := r.Decode("0000", "RequestPayment", nil); !errors.Is(err, ErrUnknownDigest) {
		t.Errorf("Decode() unknown digest error = %v, want ErrUnknownDigest", err)
	}
}
