package anomaly

import (
	"errors"
	"sort"
	"strings"
	"time"
)

const (
	DefaultSignatureRunes  = 120
	DefaultDensityCap      = 20
	DefaultEvidenceLimit   = 10
	EvidenceSignatureRunes = 40
)

var ErrInvalidParams = errors.New("invalid anomaly parameters")

// Record is one access-log entry.
type Record struct {
	At        time.Time `json:"ts"`
	Subject   string    `json:"subject"`
	Address   string    `json:"address"`
	Signature string    `json:"signature"`
}

// Weights shape the score: ip_count*IP + ua_diversity*UA + density/DensityDivisor.
type Weights struct {
	IP             int `json:"ip" mapstructure:"ip"`
	UA             int `json:"ua" mapstructure:"ua"`
	DensityDivisor int `json:"density_divisor" mapstructure:"density_divisor"`
}

func DefaultWeights() Weights {
	return Weights{IP: 2, UA: 1, DensityDivisor: 3}
}

type Params struct {
	IPThreshold    int
	Weights        Weights
	SignatureRunes int
	DensityCap     int
	EvidenceLimit  int
}

func DefaultParams() Params {
	return Params{
		IPThreshold:    50,
		Weights:        DefaultWeights(),
		SignatureRunes: DefaultSignatureRunes,
		DensityCap:     DefaultDensityCap,
		EvidenceLimit:  DefaultEvidenceLimit,
	}
}

func (p Params) Validate() error {
	switch {
	case p.IPThreshold <= 0:
		return errors.Join(ErrInvalidParams, errors.New("ip threshold must be positive"))
	case p.Weights.DensityDivisor <= 0:
		return errors.Join(ErrInvalidParams, errors.New("density divisor must be positive"))
	case p.Weights.IP < 0 || p.Weights.UA < 0:
		return errors.Join(ErrInvalidParams, errors.New("weights must not be negative"))
	}
	return nil
}

func (p Params) withDefaults() Params {
	if p.SignatureRunes <= 0 {
		p.SignatureRunes = DefaultSignatureRunes
	}
	if p.DensityCap <= 0 {
		p.DensityCap = DefaultDensityCap
	}
	if p.EvidenceLimit <= 0 {
		p.EvidenceLimit = DefaultEvidenceLimit
	}
	if p.Weights == (Weights{}) {
		p.Weights = DefaultWeights()
	}
	if p.Weights.DensityDivisor <= 0 {
		p.Weights.DensityDivisor = DefaultWeights().DensityDivisor
	}
	return p
}

type Evidence struct {
	At        time.Time `json:"ts"`
	Address   string    `json:"ip"`
	Signature string    `json:"ua"`
}

type Incident struct {
	Subject     string     `json:"subject"`
	IPCount     int        `json:"ip_count"`
	UADiversity int        `json:"ua_diversity"`
	Density     int        `json:"density"`
	Score       int        `json:"score"`
	Evidence    []Evidence `json:"evidence"`
}

type Result struct {
	Incidents []Incident
	// Mark is the new high-water mark; never earlier than the input mark.
	Mark time.Time
	// Considered counts records newer than the mark that passed filtering.
	Considered int
}

// Score applies the weights. Density is divided with integer division.
func Score(w Weights, ipCount, uaDiversity, density int) int {
	div := w.DensityDivisor
	if div <= 0 {
		div = 1
	}
	return ipCount*w.IP + uaDiversity*w.UA + density/div
}

type subjectStats struct {
	addresses  map[string]struct{}
	signatures map[string]struct{}
	records    []Record
}

// Detect scores one batch. Records at or before mark, with a zero timestamp,
// or missing subject or address are ignored. Whitelisted subjects still move
// the mark but never become incidents.
func Detect(records []Record, mark time.Time, whitelisted func(subject string) bool, p Params) Result {
	p = p.withDefaults()
	out := Result{Mark: mark}
	bySubject := map[string]*subjectStats{}

	for _, r := range records {
		if r.At.IsZero() || !r.At.After(mark) {
			continue
		}
		if r.At.After(out.Mark) {
			out.Mark = r.At
		}
		subject := strings.TrimSpace(r.Subject)
		addr := strings.TrimSpace(r.Address)
		if subject == "" || addr == "" {
			continue
		}
		if whitelisted != nil && whitelisted(subject) {
			continue
		}
		st, ok := bySubject[subject]
		if !ok {
			st = &subjectStats{addresses: map[string]struct{}{}, signatures: map[string]struct{}{}}
			bySubject[subject] = st
		}
		st.addresses[addr] = struct{}{}
		if sig := truncateRunes(r.Signature, p.SignatureRunes); sig != "" {
			st.signatures[sig] = struct{}{}
		}
		st.records = append(st.records, r)
		out.Considered++
	}

	for subject, st := range bySubject {
		density := len(st.records)
		if density > p.DensityCap {
			density = p.DensityCap
		}
		inc := Incident{
			Subject:     subject,
			IPCount:     len(st.addresses),
			UADiversity: len(st.signatures),
			Density:     density,
		}
		inc.Score = Score(p.Weights, inc.IPCount, inc.UADiversity, inc.Density)
		if inc.IPCount <= p.IPThreshold && inc.Score <= 2*p.IPThreshold {
			continue
		}
		inc.Evidence = evidence(st.records, p.EvidenceLimit)
		out.Incidents = append(out.Incidents, inc)
	}
	sort.Slice(out.Incidents, func(i, j int) bool {
		if out.Incidents[i].Score != out.Incidents[j].Score {
			return out.Incidents[i].Score > out.Incidents[j].Score
		}
		return out.Incidents[i].Subject < out.Incidents[j].Subject
	})
	return out
}

// evidence keeps the most recent records, newest first.
func evidence(records []Record, limit int) []Evidence {
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.After(sorted[j].At) })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]Evidence, 0, len(sorted))
	for _, r := range sorted {
		sig := truncateRunes(r.Signature, EvidenceSignatureRunes)
		if sig == "" {
			sig = "-"
		}
		out = append(out, Evidence{At: r.At, Address: r.Address, Signature: sig})
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
