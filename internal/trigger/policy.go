package trigger

import (
	"context"
	"strings"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/projectconfig"
	"github.com/caesium-cloud/quarry/pkg/log"
)

// Policy is the aggregated selective-testing decision.
type Policy struct {
	Policy  models.SelectiveTestingPolicy
	Reasons []string
}

// Enabled reports whether selective testing is allowed.
func (p Policy) Enabled() bool {
	return p.Policy == models.SelectiveTestingEnabled
}

// Message renders the reasons as a single human-readable note.
func (p Policy) Message() string {
	return strings.Join(p.Reasons, " ")
}

const configReadFailure = "Selective testing was requested but the project config could not be read."

type policyInput struct {
	global  bool
	options map[string]string
	config  *projectconfig.Config
}

// rule returns whether it allows selective testing, and why not.
type rule func(policyInput) (bool, string)

var policyRules = []rule{
	func(in policyInput) (bool, string) {
		if in.global {
			return true, ""
		}
		return false, "Selective testing is disabled globally."
	},
	func(in policyInput) (bool, string) {
		enabled := models.OptionEnabled(in.options, models.OptionSelectiveTesting)
		if in.config.SelectiveTesting != nil {
			enabled = enabled && *in.config.SelectiveTesting
		}
		if enabled {
			return true, ""
		}
		return false, "Selective testing is not enabled for this project."
	},
	func(in policyInput) (bool, string) {
		if len(Patterns(in.options[models.OptionFileWhitelist])) == 0 {
			return true, ""
		}
		return false, "Selective testing is not supported for projects with a file whitelist."
	},
	func(in policyInput) (bool, string) {
		if len(in.config.FileBlacklist) == 0 {
			return true, ""
		}
		return false, "Selective testing is not supported for projects with a file blacklist."
	},
}

// SelectiveTestingPolicy evaluates every rule in order. The policy is
// disabled when any rule disables it; reasons keep rule order. A failure to
// read the project config disables it with a generic reason.
func (e *Evaluator) SelectiveTestingPolicy(ctx context.Context, project *models.Project, options map[string]string, revision, diff string) Policy {
	cfg, err := projectconfig.Fetch(ctx, e.reader, revision, projectconfig.Path(options), diff)
	if err != nil {
		log.Warn("selective testing config read failed", "project", project.Slug, "error", err)
		return Policy{Policy: models.SelectiveTestingDisabled, Reasons: []string{configReadFailure}}
	}

	return aggregate(policyInput{global: e.GlobalSelectiveTesting, options: options, config: cfg})
}

func aggregate(in policyInput) Policy {
	policy := Policy{Policy: models.SelectiveTestingEnabled}
	for _, r := range policyRules {
		if ok, reason := r(in); !ok {
			policy.Policy = models.SelectiveTestingDisabled
			if reason != "" {
				policy.Reasons = append(policy.Reasons, reason)
			}
		}
	}
	return policy
}
