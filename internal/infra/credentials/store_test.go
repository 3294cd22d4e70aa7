package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTokens serves one integration_tokens row.
type fakeTokens struct {
	token string
	props string
	err   error

	execArgs []any
}

func (f *fakeTokens) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeTokens) QueryRow(context.Context, string, ...any) pgx.Row { return tokenRow{f} }

func (f *fakeTokens) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

type tokenRow struct{ f *fakeTokens }

func (r tokenRow) Scan(dest ...any) error {
	if r.f.err != nil {
		return r.f.err
	}
	*dest[0].(*string) = r.f.token
	*dest[1].(*[]byte) = []byte(r.f.props)
	return nil
}

func TestLookup(t *testing.T) {
	cases := []struct {
		name string
		fake *fakeTokens
		want Credential
		err  bool
	}{
		{name: "trimmed token with endpoint", fake: &fakeTokens{token: " k-1 ", props: `{"endpoint":"https://eu.vision.test"}`}, want: Credential{Token: "k-1", Endpoint: "https://eu.vision.test"}},
		{name: "empty properties", fake: &fakeTokens{token: "k-2", props: `{}`}, want: Credential{Token: "k-2"}},
		{name: "missing row", fake: &fakeTokens{err: pgx.ErrNoRows}},
		{name: "database down", fake: &fakeTokens{err: errors.New("connection refused")}, err: true},
		{name: "corrupt properties", fake: &fakeTokens{token: "k-3", props: `{`}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewStore(tc.fake).Lookup(context.Background(), ProviderVision)
			if (err != nil) != tc.err {
				t.Fatalf("err = %v, want error %v", err, tc.err)
			}
			if got != tc.want {
				t.Fatalf("Lookup = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSetVisionAPIKey(t *testing.T) {
	fake := &fakeTokens{}
	if err := NewStore(fake).SetVisionAPIKey(context.Background(), " secret ", "https://vision.example/ "); err != nil {
		t.Fatal(err)
	}
	if len(fake.execArgs) != 3 || fake.execArgs[0] != ProviderVision || fake.execArgs[1] != "secret" {
		t.Fatalf("exec args = %v", fake.execArgs)
	}
	if props := string(fake.execArgs[2].([]byte)); props != `{"endpoint":"https://vision.example"}` {
		t.Fatalf("properties = %s", props)
	}

	if err := NewStore(fake).SetVisionAPIKey(context.Background(), "k", ""); err != nil {
		t.Fatal(err)
	}
	if props := string(fake.execArgs[2].([]byte)); props != `{}` {
		t.Fatalf("properties without endpoint = %s", props)
	}

	if err := NewStore(&fakeTokens{}).SetVisionAPIKey(context.Background(), "  ", ""); err == nil {
		t.Fatal("blank key accepted")
	}
	if err := NewStore(&fakeTokens{err: errors.New("read only")}).SetVisionAPIKey(context.Background(), "k", ""); err == nil {
		t.Fatal("exec failure swallowed")
	}
}

func TestResolveVision(t *testing.T) {
	store := NewStore(&fakeTokens{token: "stored", props: `{"endpoint":"https://x.test"}`})
	got, err := store.ResolveVision(context.Background(), " configured ")
	if err != nil || got != (Credential{Token: "configured"}) {
		t.Fatalf("configured key: %+v %v", got, err)
	}
	got, err = store.ResolveVision(context.Background(), "")
	if err != nil || got.Token != "stored" || got.Endpoint != "https://x.test" {
		t.Fatalf("stored key: %+v %v", got, err)
	}
}
