package secrets

import (
	"context"
	"errors"
	"testing"
)

type fakeResolver struct {
	values map[string]string
	err    error
}

func (f fakeResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.values[ref], nil
}

type nested struct {
	Token string
	Inner struct {
		Key string
	}
	Tags []string
}

func TestReplacePlaceholdersResolvesNestedVaultRefs(t *testing.T) {
	target := &nested{
		Token: "vault://token",
		Tags:  []string{"vault://tag", "plain"},
	}
	target.Inner.Key = "vault://inner-key"

	resolver := fakeResolver{values: map[string]string{
		"vault://token":      "resolved-token",
		"vault://tag":        "resolved-tag",
		"vault://inner-key":  "resolved-inner",
	}}

	if err := ReplacePlaceholders(context.Background(), target, resolver); err != nil {
		t.Fatalf("ReplacePlaceholders: %v", err)
	}
	if target.Token != "resolved-token" {
		t.Errorf("Token = %q, want resolved-token", target.Token)
	}
	if target.Inner.Key != "resolved-inner" {
		t.Errorf("Inner.Key = %q, want resolved-inner", target.Inner.Key)
	}
	if target.Tags[0] != "resolved-tag" || target.Tags[1] != "plain" {
		t.Errorf("Tags = %v, want [resolved-tag plain]", target.Tags)
	}
}

func TestReplacePlaceholdersLeavesNonVaultStringsAlone(t *testing.T) {
	target := &nested{Token: "literal-value"}
	if err := ReplacePlaceholders(context.Background(), target, fakeResolver{}); err != nil {
		t.Fatalf("ReplacePlaceholders: %v", err)
	}
	if target.Token != "literal-value" {
		t.Errorf("expected non-vault string untouched, got %q", target.Token)
	}
}

func TestReplacePlaceholdersPropagatesResolveError(t *testing.T) {
	target := &nested{Token: "vault://token"}
	err := ReplacePlaceholders(context.Background(), target, fakeResolver{err: errors.New("denied")})
	if err == nil {
		t.Fatalf("expected ReplacePlaceholders to propagate a resolve error")
	}
}

func TestReplacePlaceholdersRequiresNonNilPointer(t *testing.T) {
	if err := ReplacePlaceholders(context.Background(), nested{}, fakeResolver{}); err == nil {
		t.Fatalf("expected an error when target is not a pointer")
	}
}

func TestReplacePlaceholdersNoopWithNilResolver(t *testing.T) {
	target := &nested{Token: "vault://token"}
	if err := ReplacePlaceholders(context.Background(), target, nil); err != nil {
		t.Fatalf("expected nil error with nil resolver, got %v", err)
	}
	if target.Token != "vault://token" {
		t.Errorf("expected target untouched with nil resolver")
	}
}
