package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/lovendo/momentcore/internal/httputil"
)

// CommissionSource resolves the platform commission percentage of a plan.
type CommissionSource interface {
	CommissionRate(ctx context.Context, planID string) (decimal.Decimal, error)
}

// ErrUnknownPlan is returned when a source has no rate for a plan.
var ErrUnknownPlan = errors.New("unknown commission plan")

var hundred = decimal.NewFromInt(100)

func validRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return fmt.Errorf("commission rate %s outside [0,100]", rate.String())
	}
	return nil
}

// StaticPlans is a commission table loaded from configuration.
type StaticPlans struct {
	Default *decimal.Decimal           `yaml:"default"`
	Plans   map[string]decimal.Decimal `yaml:"plans"`
}

// ParsePlans decodes a YAML plan table:
//
//	default: 10
//	plans:
//	  free: 15
//	  creator_pro: 7.5
func ParsePlans(data []byte) (*StaticPlans, error) {
	var p StaticPlans
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse commission plans: %w", err)
	}
	if p.Default != nil {
		if err := validRate(*p.Default); err != nil {
			return nil, err
		}
	}
	for id, rate := range p.Plans {
		if err := validRate(rate); err != nil {
			return nil, fmt.Errorf("plan %s: %w", id, err)
		}
	}
	return &p, nil
}

// LoadPlans reads a YAML plan table from path.
func LoadPlans(path string) (*StaticPlans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commission plans: %w", err)
	}
	return ParsePlans(data)
}

// CommissionRate implements CommissionSource.
func (p *StaticPlans) CommissionRate(_ context.Context, planID string) (decimal.Decimal, error) {
	if rate, ok := p.Plans[planID]; ok {
		return rate, nil
	}
	if p.Default != nil {
		return *p.Default, nil
	}
	return decimal.Zero, ErrUnknownPlan
}

// PlanClient reads commission rates from the remote plan service.
type PlanClient struct {
	client *httputil.ServiceClient
}

// NewPlanClient wraps a service client pointed at the plan service.
func NewPlanClient(client *httputil.ServiceClient) *PlanClient {
	return &PlanClient{client: client}
}

// CommissionRate implements CommissionSource. The plan service answers with
// either {"commission_rate": ...} or the same field under "data".
func (c *PlanClient) CommissionRate(ctx context.Context, planID string) (decimal.Decimal, error) {
	var raw []byte
	if err := c.client.Get(ctx, "/plans/"+url.PathEscape(planID), &raw); err != nil {
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
			return decimal.Zero, ErrUnknownPlan
		}
		return decimal.Zero, err
	}
	field := gjson.GetBytes(raw, "commission_rate")
	if !field.Exists() {
		field = gjson.GetBytes(raw, "data.commission_rate")
	}
	if !field.Exists() {
		return decimal.Zero, fmt.Errorf("plan %s: response has no commission_rate", planID)
	}
	rate, err := decimal.NewFromString(field.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("plan %s: %w", planID, err)
	}
	if err := validRate(rate); err != nil {
		return decimal.Zero, err
	}
	return rate, nil
}
