// Package checks is the registry of named compliance checks. Each check is a
// function of run data (through a datasource.Adapter) and an EvalContext;
// identical inputs yield identical verdicts.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vinmnit159/isms-backend/internal/datasource"
	"github.com/vinmnit159/isms-backend/internal/models"
)

type Name string

type Result string

const (
	Pass    Result = "Pass"
	Fail    Result = "Fail"
	Warning Result = "Warning"
)

func (r Result) rank() int {
	switch r {
	case Fail:
		return 2
	case Warning:
		return 1
	}
	return 0
}

// Scope says which kind of run a check belongs to.
type Scope string

const (
	ScopeRepositories Scope = "repositories"
	ScopeDevice       Scope = "device"
)

// Subject is an entity a check reports on.
type Subject struct {
	Kind     models.SubjectKind `json:"kind"`
	Key      string             `json:"key"`
	Name     string             `json:"name"`
	Private  bool               `json:"-"`
	Archived bool               `json:"-"`
}

type Finding struct {
	Subject string `json:"subject"`
	Result  Result `json:"result"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

// Verdict is the outcome of one check over one run scope.
type Verdict struct {
	CheckName Name
	Scope     string // organization login or device key
	Result    Result
	Summary   string
	Findings  []Finding
	Evaluated []Subject
	// Errored marks verdicts synthesized from an evaluation failure.
	Errored bool
}

// Outcome is the per-subject reading of a verdict.
type Outcome struct {
	Subject Subject
	Result  Result
	Detail  string
}

// Outcomes returns one outcome per evaluated subject, in subject order. A
// subject takes the worst result among its findings, or Pass if it has none.
func (v Verdict) Outcomes() []Outcome {
	worst := make(map[string]Finding, len(v.Findings))
	for _, f := range v.Findings {
		if cur, ok := worst[f.Subject]; !ok || f.Result.rank() > cur.Result.rank() {
			worst[f.Subject] = f
		}
	}

	out := make([]Outcome, 0, len(v.Evaluated))
	for _, s := range v.Evaluated {
		o := Outcome{Subject: s, Result: Pass}
		if f, ok := worst[s.Key]; ok {
			o.Result = f.Result
			o.Detail = f.Message
		}
		out = append(out, o)
	}
	return out
}

type payload struct {
	Check    Name      `json:"check"`
	Scope    string    `json:"scope"`
	Result   Result    `json:"result"`
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings"`
	Subjects []string  `json:"subjects"`
}

// Payload is the canonical serialization of the verdict's facts. It carries
// no timestamps or run identifiers, so unchanged facts serialize identically.
func (v Verdict) Payload() ([]byte, error) {
	p := payload{
		Check:    v.CheckName,
		Scope:    v.Scope,
		Result:   v.Result,
		Summary:  v.Summary,
		Findings: v.Findings,
		Subjects: make([]string, 0, len(v.Evaluated)),
	}
	if p.Findings == nil {
		p.Findings = []Finding{}
	}
	for _, s := range v.Evaluated {
		p.Subjects = append(p.Subjects, s.Key)
	}
	sort.Strings(p.Subjects)
	return json.Marshal(p)
}

// Identity is an internal user linked to an external login.
type Identity struct {
	UserID uint
	Active bool
}

// EvalContext carries the non-adapter inputs of an evaluation.
type EvalContext struct {
	Organization string
	// Identities is keyed by lower-cased external login.
	Identities map[string]Identity
	// Device is the subject of a device run.
	Device *Subject
}

// OrganizationSubject is the subject org-wide checks report against.
func (ec EvalContext) OrganizationSubject() Subject {
	return Subject{Kind: models.SubjectOrganization, Key: ec.Organization, Name: ec.Organization}
}

func (ec EvalContext) scopeSubject() Subject {
	if ec.Device != nil {
		return *ec.Device
	}
	return ec.OrganizationSubject()
}

func (ec EvalContext) identity(login string) (Identity, bool) {
	id, ok := ec.Identities[strings.ToLower(login)]
	return id, ok
}

type EvaluatorFn func(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error)

// Definition is a named, reusable compliance rule.
type Definition struct {
	Name        Name
	Title       string
	Description string
	Scope       Scope
	Controls    []string
	Impact      models.RiskLevel
	Likelihood  models.RiskLevel
	Evaluate    EvaluatorFn
}

// Registry maps check names to definitions. It is built once and read-only
// afterwards.
type Registry struct {
	defs  map[Name]Definition
	order []Name
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Name]Definition, len(defs))}
	for _, d := range defs {
		switch {
		case d.Name == "":
			return nil, fmt.Errorf("check definition without a name")
		case d.Evaluate == nil:
			return nil, fmt.Errorf("check %q has no evaluator", d.Name)
		case len(d.Controls) == 0:
			return nil, fmt.Errorf("check %q maps to no control", d.Name)
		case d.Impact.Ordinal() == 0 || d.Likelihood.Ordinal() == 0:
			return nil, fmt.Errorf("check %q has invalid severity weights", d.Name)
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("check %q registered twice", d.Name)
		}
		r.defs[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name Name) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Definitions returns the checks of a scope in registration order.
func (r *Registry) Definitions(scope Scope) []Definition {
	var out []Definition
	for _, n := range r.order {
		if d := r.defs[n]; d.Scope == scope {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.defs[n])
	}
	return out
}

// ChecksForControl lists every check contributing to a control reference.
func (r *Registry) ChecksForControl(ref string) []Name {
	var out []Name
	for _, n := range r.order {
		for _, c := range r.defs[n].Controls {
			if c == ref {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// ControlRefs returns the sorted set of control references used by any check.
func (r *Registry) ControlRefs() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range r.defs {
		for _, c := range d.Controls {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the named check. Unknown names yield a Warning; evaluator
// errors and panics yield a Fail verdict scoped to the run subject. It never
// returns an error so one broken check cannot stop the others.
func (r *Registry) Evaluate(ctx context.Context, name Name, a *datasource.Adapter, ec EvalContext) Verdict {
	def, ok := r.defs[name]
	if !ok {
		return Verdict{
			CheckName: name,
			Scope:     ec.scopeSubject().Key,
			Result:    Warning,
			Summary:   fmt.Sprintf("no evaluator registered for check %q", name),
		}
	}

	v, err := safeEvaluate(ctx, def, a, ec)
	if err != nil {
		return failed(name, ec, err)
	}

	v.CheckName = name
	v.Scope = ec.scopeSubject().Key
	normalize(&v)
	return v
}

func safeEvaluate(ctx context.Context, def Definition, a *datasource.Adapter, ec EvalContext) (v Verdict, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("evaluator panicked: %v", rec)
		}
	}()
	return def.Evaluate(ctx, a, ec)
}

func failed(name Name, ec EvalContext, err error) Verdict {
	subj := ec.scopeSubject()
	summary := fmt.Sprintf("evaluation failed: %v", err)
	return Verdict{
		CheckName: name,
		Scope:     subj.Key,
		Result:    Fail,
		Summary:   summary,
		Findings:  []Finding{{Subject: subj.Key, Result: Fail, Message: summary}},
		Evaluated: []Subject{subj},
		Errored:   true,
	}
}

func normalize(v *Verdict) {
	sort.SliceStable(v.Findings, func(i, j int) bool {
		if v.Findings[i].Subject != v.Findings[j].Subject {
			return v.Findings[i].Subject < v.Findings[j].Subject
		}
		return v.Findings[i].Message < v.Findings[j].Message
	})
	sort.SliceStable(v.Evaluated, func(i, j int) bool {
		return v.Evaluated[i].Key < v.Evaluated[j].Key
	})
	if v.Result == "" {
		v.Result = Pass
		for _, f := range v.Findings {
			if f.Result.rank() > v.Result.rank() {
				v.Result = f.Result
			}
		}
	}
}
