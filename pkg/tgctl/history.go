package tgctl

import (
	"fmt"
	"text/tabwriter"

	"github.com/takehaya/tgctl/pkg/report"
)

// ListHistory prints the stored runs, latest last.
func (t *Tgctl) ListHistory(scenarioName string, limit int) error {
	h, err := t.History()
	if err != nil {
		return err
	}
	entries, err := h.List(scenarioName, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(t.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSCENARIO\tSTARTED\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Key, e.Result.Scenario,
			e.Result.Started.Format("2006-01-02 15:04:05"), e.Result.Duration().Round(1e6))
	}
	return tw.Flush()
}

// ShowHistory prints one stored run in the configured format.
func (t *Tgctl) ShowHistory(key string) error {
	h, err := t.History()
	if err != nil {
		return err
	}
	res, err := h.Get(key)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("no run stored under %s", key)
	}
	format, err := report.ParseFormat(t.cfg.Format)
	if err != nil {
		return err
	}
	return report.Write(t.Out, res, format)
}

func (t *Tgctl) DeleteHistory(key string) error {
	h, err := t.History()
	if err != nil {
		return err
	}
	res, err := h.Get(key)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("no run stored under %s", key)
	}
	return h.Delete(key)
}
