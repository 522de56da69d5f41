package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleKB = `# Billing

Refunds are issued to the original payment method within five business days.

Invoices can be downloaded from the account settings page under Billing.

## Shipping

| Region | Delivery time |
|--------|---------------|
| Europe | Three to five business days |
| United States | Five to seven business days |

# Account
Passwords can be reset from the login page
using the "forgot password" link.
`

func TestParse_SectionsParagraphsAndTables(t *testing.T) {
	b, err := Parse(strings.NewReader(sampleKB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if b.Len() != 5 {
		t.Fatalf("entries = %d; want 5", b.Len())
	}

	hits := b.Search("how long does delivery to Europe take", 1)
	if len(hits) != 1 || hits[0].Title != "Shipping" || !strings.Contains(hits[0].Snippet, "Europe") {
		t.Fatalf("unexpected hit: %+v", hits)
	}

	// A paragraph spanning two lines is one entry.
	hits = b.Search("reset my password", 1)
	if len(hits) != 1 || !strings.Contains(hits[0].Snippet, "forgot password") {
		t.Fatalf("unexpected hit: %+v", hits)
	}
}

func TestParse_ListsInlineMarkupAndCode(t *testing.T) {
	const md = `## Orders

- Orders ship from the **Berlin** warehouse every weekday.
- Track a parcel at <https://track.example.com> with the order number.

` + "```" + `
curl https://api.example.com/orders --token secret-value-here
` + "```" + `
`
	b, err := Parse(strings.NewReader(md))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("entries = %d; want 2 (code block ignored)", b.Len())
	}
	hits := b.Search("which warehouse ships orders", 1)
	if len(hits) != 1 || hits[0].Title != "Orders" || hits[0].Snippet != "Orders ship from the Berlin warehouse every weekday." {
		t.Fatalf("unexpected hit: %+v", hits)
	}
	hits = b.Search("track parcel", 1)
	if len(hits) != 1 || !strings.Contains(hits[0].Snippet, "https://track.example.com") {
		t.Fatalf("autolink text lost: %+v", hits)
	}
	if got := b.Search("curl token", 1); len(got) != 0 {
		t.Fatalf("code block was indexed: %+v", got)
	}
}

func TestSearch_RankingAndEdgeCases(t *testing.T) {
	b := FromEntries([][2]string{
		{"Billing", "Refunds are issued to the original payment method."},
		{"Billing", "Refunds for gift cards are issued as store credit only."},
		{"Misc", "short"},
	})
	if b.Len() != 2 {
		t.Fatalf("short entries should be dropped, got %d", b.Len())
	}

	hits := b.Search("REFUNDS payment method", 5)
	if len(hits) != 2 || !strings.Contains(hits[0].Snippet, "payment method") {
		t.Fatalf("unexpected ranking: %+v", hits)
	}
	if hits[0].Score <= hits[1].Score || hits[0].Score > 1 {
		t.Fatalf("scores out of order or range: %+v", hits)
	}

	if got := b.Search("   ", 3); got != nil {
		t.Fatalf("blank query should return nil")
	}
	if got := b.Search("the and of", 3); got != nil {
		t.Fatalf("stop-word-only query should return nil")
	}
	if got := b.Search("nothing matches zebra", 3); len(got) != 0 {
		t.Fatalf("expected no hits, got %+v", got)
	}
	var nilBase *Base
	if nilBase.Search("refunds", 1) != nil {
		t.Fatalf("nil base should return nil")
	}
}

func TestSearch_TitleBonusBreaksTies(t *testing.T) {
	b := FromEntries([][2]string{
		{"Other", "Orders can be cancelled within one hour."},
		{"Orders", "Orders can be cancelled within one hour!"},
	}, WithMinEntryRunes(0))
	hits := b.Search("orders", 2)
	if len(hits) != 2 || hits[0].Title != "Orders" {
		t.Fatalf("title match should rank first: %+v", hits)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.md")
	if err := os.WriteFile(path, []byte(sampleKB), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := Load(path, WithStopwords([]string{"the"}))
	if err != nil || b.Len() == 0 {
		t.Fatalf("Load = %v, %v", b, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
