package normalize

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercase", in: "Iran Summons Envoy", want: "iran summons envoy"},
		{name: "diacritics", in: "Précis über Köln", want: "precis uber koln"},
		{name: "periods", in: "U.S. sanctions", want: "us sanctions"},
		{name: "dash variants", in: "US—Iran – talks", want: "us-iran - talks"},
		{name: "whitespace runs", in: "  a \t b\n c ", want: "a b c"},
		{name: "empty", in: "", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Normalize(tc.in)
			if got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Tehran summons France's ambassador",
		"Précis — U.S. über  Köln",
		"北京 condemns strike",
		"U.S.–EU trade row",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tokens := Tokenize("iran summons france's ambassador")
	want := []string{"iran", "summons", "france", "s", "ambassador"}
	if len(tokens) != len(want) {
		t.Fatalf("unexpected token count: got %v want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d: got %q want %q", i, tokens[i], want[i])
		}
	}
}
