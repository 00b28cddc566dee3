package signals

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Entity types a signal can target.
const (
	EntityMoment = "moment"
	EntityProof  = "proof"
)

// Signal is one AI suspicion verdict.
type Signal struct {
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
}

// ParseSignal decodes an intake payload. Two shapes are accepted:
//
//	{"entity_type": "moment", "entity_id": "...", "confidence_score": 0.8, "reason": "..."}
//	{"entity_type": "proof", "entity_id": "...", "overall": 0.8, "issues": [{"type": "stock_photo"}]}
//
// The second is what the ML scanner returns; issues may also be plain strings.
func ParseSignal(raw []byte) (Signal, error) {
	if !gjson.ValidBytes(raw) {
		return Signal{}, fmt.Errorf("signal payload is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)
	s := Signal{
		EntityType: strings.ToLower(strings.TrimSpace(doc.Get("entity_type").String())),
		EntityID:   strings.TrimSpace(doc.Get("entity_id").String()),
	}
	if s.EntityType == "" {
		s.EntityType = EntityMoment
	}
	if s.EntityID == "" {
		s.EntityID = strings.TrimSpace(doc.Get("moment_id").String())
	}

	score := doc.Get("confidence_score")
	if !score.Exists() {
		score = doc.Get("overall")
	}
	if !score.Exists() {
		score = doc.Get("score")
	}
	if !score.Exists() {
		return Signal{}, fmt.Errorf("signal has no score")
	}
	s.Score = score.Float()

	s.Reason = strings.TrimSpace(doc.Get("reason").String())
	if s.Reason == "" {
		var issues []string
		doc.Get("issues").ForEach(func(_, v gjson.Result) bool {
			switch {
			case v.Type == gjson.String:
				issues = append(issues, v.String())
			case v.Get("type").Exists():
				issues = append(issues, v.Get("type").String())
			case v.Get("description").Exists():
				issues = append(issues, v.Get("description").String())
			}
			return true
		})
		s.Reason = strings.Join(issues, ", ")
	}
	return s, s.Validate()
}

// Validate checks the signal targets something and carries a usable score.
func (s Signal) Validate() error {
	if s.EntityType != EntityMoment && s.EntityType != EntityProof {
		return fmt.Errorf("unsupported entity_type %q", s.EntityType)
	}
	if s.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if s.Score < 0 || s.Score > 1 {
		return fmt.Errorf("score %.3f outside [0,1]", s.Score)
	}
	return nil
}
