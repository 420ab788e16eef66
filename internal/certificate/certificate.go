package certificate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/bridge"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

const (
	codePrefix = "KB-"
	codeLength = 10
	// Crockford base32: no I, L, O or U.
	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// NewCode returns a random certificate code such as KB-7Q2M9XK4PD.
func NewCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate certificate code: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(codePrefix)
	for _, b := range buf {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String(), nil
}

// NormalizeCode upper-cases a user supplied code and maps the characters
// Crockford treats as ambiguous. It returns false if the code is malformed.
func NormalizeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !strings.HasPrefix(code, codePrefix) {
		return "", false
	}
	body := strings.NewReplacer("O", "0", "I", "1", "L", "1").Replace(code[len(codePrefix):])
	if len(body) != codeLength {
		return "", false
	}
	for _, r := range body {
		if !strings.ContainsRune(alphabet, r) {
			return "", false
		}
	}
	return codePrefix + body, true
}

// TraceURL is the public page a QR code points at.
func TraceURL(baseURL, code string) string {
	return strings.TrimRight(baseURL, "/") + "/trace/" + code
}

const (
	DefaultQRSize = 256
	MaxQRSize     = 1024
)

// QRCode renders the trace URL for code as a PNG.
func QRCode(baseURL, code string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	if size > MaxQRSize {
		size = MaxQRSize
	}
	png, err := qrcode.Encode(TraceURL(baseURL, code), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}

// PayloadStage is one verified stage in the anchored document.
type PayloadStage struct {
	Number      int      `json:"number"`
	Name        string   `json:"name"`
	VerifiedAt  string   `json:"verified_at"`
	ImageHashes []string `json:"image_hashes"`
}

// Payload is the canonical document whose hash is anchored on chain. Field
// order is fixed by the struct, image hashes are sorted and timestamps are
// second-precision UTC so the hash is reproducible from stored data.
type Payload struct {
	Code       string         `json:"code"`
	BatchID    uuid.UUID      `json:"batch_id"`
	FarmerID   uuid.UUID      `json:"farmer_id"`
	CropName   string         `json:"crop_name"`
	Variety    string         `json:"variety,omitempty"`
	VerifiedAt string         `json:"verified_at"`
	Stages     []PayloadStage `json:"stages"`
}

// BuildPayload assembles the document from a verified batch. Image hashes
// come from the snapshots taken at stage completion.
func BuildPayload(code string, detail *store.BatchDetail) (*Payload, error) {
	b := detail.Batch
	if b.VerifiedAt == nil {
		return nil, fmt.Errorf("batch %s is not verified", b.ID)
	}
	p := &Payload{
		Code:       code,
		BatchID:    b.ID,
		FarmerID:   b.FarmerID,
		CropName:   b.CropName,
		Variety:    b.Variety,
		VerifiedAt: stamp(*b.VerifiedAt),
	}

	verified := append([]*store.VerifiedStage(nil), detail.Verified...)
	sort.Slice(verified, func(i, j int) bool { return verified[i].StageNumber < verified[j].StageNumber })
	for _, vs := range verified {
		h := make([]string, 0, len(vs.ImageHashes))
		for _, sum := range vs.ImageHashes {
			h = append(h, strings.ToLower(sum))
		}
		sort.Strings(h)
		p.Stages = append(p.Stages, PayloadStage{
			Number:      vs.StageNumber,
			Name:        store.StageName(vs.StageNumber),
			VerifiedAt:  stamp(vs.VerifiedAt),
			ImageHashes: h,
		})
	}
	return p, nil
}

// Hash returns the hex SHA-256 of the payload's JSON encoding.
func (p *Payload) Hash() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// StageSummaries converts the payload stages for the bridge request.
func (p *Payload) StageSummaries() []bridge.StageSummary {
	out := make([]bridge.StageSummary, 0, len(p.Stages))
	for _, st := range p.Stages {
		at, _ := time.Parse(time.RFC3339, st.VerifiedAt)
		out = append(out, bridge.StageSummary{
			Number:         st.Number,
			Name:           st.Name,
			VerifiedImages: len(st.ImageHashes),
			VerifiedAt:     at,
		})
	}
	return out
}

func stamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
