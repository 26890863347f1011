package checks

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinmnit159/isms-backend/internal/datasource"
	"github.com/vinmnit159/isms-backend/internal/source"
)

var errNoDevice = errors.New("device check evaluated outside a device run")

// posture builds a check over one boolean posture field of a checkin.
func posture(label string, enabled func(source.DeviceReport) bool) EvaluatorFn {
	return func(ctx context.Context, a *datasource.Adapter, ec EvalContext) (Verdict, error) {
		if ec.Device == nil {
			return Verdict{}, errNoDevice
		}
		report, err := a.DeviceReport()
		if err != nil {
			return Verdict{}, err
		}

		subj := *ec.Device
		v := Verdict{Evaluated: []Subject{subj}}
		if enabled(report) {
			v.Result = Pass
			v.Summary = fmt.Sprintf("%s enabled on %s", label, subj.Name)
			return v, nil
		}
		v.Result = Fail
		v.Summary = fmt.Sprintf("%s disabled on %s", label, subj.Name)
		v.Findings = []Finding{{Subject: subj.Key, Result: Fail, Message: v.Summary}}
		return v, nil
	}
}
