package ops

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/resty.v1"
)

// ErrUnknownSeries is returned when the version list has no entry for the
// series of the server.
var ErrUnknownSeries = errors.New("series not in version list")

type versionList struct {
	XMLName xml.Name        `xml:"versions"`
	Servers []latestVersion `xml:"server"`
}

type latestVersion struct {
	Series  string `xml:"series,attr"`
	Version string `xml:"version,attr"`
}

// UpdateStatus is the outcome of one update check.
type UpdateStatus struct {
	Series    string
	Current   string
	Latest    string
	Available bool
}

func (s UpdateStatus) String() string {
	if s.Available {
		return fmt.Sprintf("there is a newer version available: %s (running %s)", s.Latest, s.Current)
	}
	return "up to date"
}

// UpdateChecker fetches the list of latest versions per series.
type UpdateChecker struct {
	rc  *resty.Client
	url string
	log *zap.Logger
}

func NewUpdateChecker(url string, lg *zap.Logger) *UpdateChecker {
	rc := resty.New().
		SetTimeout(15*time.Second).
		SetHeader("User-Agent", "tgctl").
		SetHeader("Accept", "application/xml")
	return &UpdateChecker{rc: rc, url: url, log: lg}
}

// Latest returns the latest version published for series.
func (u *UpdateChecker) Latest(ctx context.Context, series string) (string, error) {
	resp, err := u.rc.R().SetContext(ctx).Get(u.url)
	if err != nil {
		return "", errors.Wrapf(err, "fetch %s", u.url)
	}
	if resp.IsError() {
		return "", errors.Errorf("fetch %s: %s", u.url, resp.Status())
	}
	var list versionList
	if err := xml.Unmarshal(resp.Body(), &list); err != nil {
		return "", errors.Wrap(err, "parse version list")
	}
	for _, s := range list.Servers {
		if s.Series == series {
			return s.Version, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownSeries, "series %s", series)
}

// Check compares the running version of a server with the latest one of
// its series. An update is available only when the latest is newer.
func (u *UpdateChecker) Check(ctx context.Context, series, current string) (UpdateStatus, error) {
	st := UpdateStatus{Series: series, Current: current}
	latest, err := u.Latest(ctx, series)
	if err != nil {
		return st, err
	}
	st.Latest = latest
	st.Available = CompareVersions(latest, current) > 0
	u.log.Debug("update check", zap.String("series", series), zap.String("current", current), zap.String("latest", latest))
	return st, nil
}

// CompareVersions compares dotted versions part by part, numerically when
// both parts are numbers. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimSpace(a), ".")
	bs := strings.Split(strings.TrimSpace(b), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := comparePart(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(x, y string) int {
	if x == "" {
		x = "0"
	}
	if y == "" {
		y = "0"
	}
	xn, xerr := strconv.Atoi(x)
	yn, yerr := strconv.Atoi(y)
	switch {
	case xerr == nil && yerr == nil:
		switch {
		case xn < yn:
			return -1
		case xn > yn:
			return 1
		}
		return 0
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
