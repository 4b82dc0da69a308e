// Package memo encodes subscription terms as tagged transaction memos so
// other devices holding the same wallet can discover streams from chain
// history. The format is versioned; decoders reject anything that does not
// carry a known tag.
package memo

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

// PrefixV1 tags version 1 subscription memos.
const PrefixV1 = "P01_SUB_V1:"

// ErrNotSubscriptionMemo is returned when the string does not carry a known
// subscription tag.
var ErrNotSubscriptionMemo = errors.New("not a subscription memo")

// Record is the decoded form of one on-chain subscription memo. Recipient,
// Amount, Interval, MaxPayments and TokenMint are the essential terms and
// define the record's identity; Name is informational.
type Record struct {
	Recipient   solana.PublicKey
	Amount      float64
	Interval    stream.Interval
	MaxPayments int
	TokenMint   *solana.PublicKey
	Name        string
}

// Encode renders the record as a V1 memo string.
func Encode(r Record) string {
	mint := ""
	if r.TokenMint != nil {
		mint = r.TokenMint.String()
	}
	return PrefixV1 + strings.Join([]string{
		r.Recipient.String(),
		strconv.FormatFloat(r.Amount, 'f', -1, 64),
		r.Interval.String(),
		strconv.Itoa(r.MaxPayments),
		mint,
		sanitize(r.Name),
	}, "|")
}

// Decode parses a memo string. ErrNotSubscriptionMemo means the string is
// some other memo entirely; any other error means a malformed subscription
// record that callers should skip.
func Decode(s string) (*Record, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(s), PrefixV1)
	if !ok {
		return nil, ErrNotSubscriptionMemo
	}

	fields := strings.Split(body, "|")
	if len(fields) < 4 {
		return nil, fmt.Errorf("subscription memo has %d fields, want at least 4", len(fields))
	}

	recipient, err := solana.PublicKeyFromBase58(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid recipient in memo: %w", err)
	}
	amount, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("invalid amount %q in memo", fields[1])
	}
	interval, err := parseInterval(fields[2])
	if err != nil {
		return nil, err
	}
	maxPayments, err := strconv.Atoi(fields[3])
	if err != nil || maxPayments < 0 {
		return nil, fmt.Errorf("invalid max payments %q in memo", fields[3])
	}

	rec := &Record{
		Recipient:   recipient,
		Amount:      amount,
		Interval:    interval,
		MaxPayments: maxPayments,
	}
	if len(fields) > 4 && fields[4] != "" {
		mint, err := solana.PublicKeyFromBase58(fields[4])
		if err != nil {
			return nil, fmt.Errorf("invalid token mint in memo: %w", err)
		}
		rec.TokenMint = &mint
	}
	if len(fields) > 5 {
		rec.Name = fields[5]
	}
	return rec, nil
}

// ChainKey derives the record's stable identity from its essential terms.
// Two memos describing the same subscription always hash to the same key,
// regardless of which device wrote them.
func ChainKey(r Record) string {
	mint := ""
	if r.TokenMint != nil {
		mint = r.TokenMint.String()
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s",
		r.Recipient.String(),
		strconv.FormatFloat(r.Amount, 'f', -1, 64),
		r.Interval.String(),
		r.MaxPayments,
		mint,
	)
	return base58.Encode(h.Sum(nil))
}

// FromStream builds the memo record describing a locally created stream.
func FromStream(s *stream.Stream) Record {
	return Record{
		Recipient:   s.Recipient,
		Amount:      s.Amount,
		Interval:    s.Interval,
		MaxPayments: s.MaxPayments,
		TokenMint:   s.TokenMint,
		Name:        s.MerchantName,
	}
}

func parseInterval(s string) (stream.Interval, error) {
	if days, ok := strings.CutPrefix(s, "custom:"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return stream.Interval{}, fmt.Errorf("invalid custom interval %q in memo", s)
		}
		return stream.Interval{Unit: stream.IntervalCustom, CustomDays: n}, nil
	}
	iv := stream.Interval{Unit: stream.IntervalUnit(s)}
	if err := iv.Validate(); err != nil {
		return stream.Interval{}, fmt.Errorf("invalid interval in memo: %w", err)
	}
	return iv, nil
}

func sanitize(name string) string {
	return strings.NewReplacer("|", " ", "\n", " ").Replace(name)
}
