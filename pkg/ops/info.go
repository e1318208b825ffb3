// Package ops holds the server management utilities of tgctl: who is
// connected, which version runs, whether a newer one exists, what hangs
// off the trunks and how to reach it.
package ops

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
)

// UserSource is anything that reports its API users.
type UserSource interface {
	Users(ctx context.Context) ([]api.User, error)
}

// Users returns the users of every non-nil source, sorted by interface and
// name. A meeting point reports users without interface. Sources sharing
// one appliance report the same users, those are listed once.
func Users(ctx context.Context, sources ...UserSource) ([]api.User, error) {
	var all []api.User
	seen := map[api.User]bool{}
	for _, s := range sources {
		if s == nil {
			continue
		}
		us, err := s.Users(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range us {
			if !seen[u] {
				seen[u] = true
				all = append(all, u)
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Interface != all[j].Interface {
			return all[i].Interface < all[j].Interface
		}
		return all[i].Name < all[j].Name
	})
	return all, nil
}

// PrintUsers writes one "interface, 'user'" line per user under a header.
func PrintUsers(w io.Writer, users []api.User) {
	fmt.Fprintln(w, "# Interface name, user_name")
	for _, u := range users {
		iface := u.Interface
		if iface == "" {
			iface = "-"
		}
		fmt.Fprintf(w, "%s, '%s'\n", iface, u.Name)
	}
}

// VersionLine renders the server version as "Server: <addr> -- <version>".
func VersionLine(ctx context.Context, srv *client.Server) (string, error) {
	info, err := srv.ServiceInfo(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Server: %s -- %s", srv.Address(), info.Version), nil
}

// APIVersions reports the API version this client speaks and the one the
// server announces.
type APIVersions struct {
	Client string
	Server string
}

func (v APIVersions) Compatible() bool { return v.Client == v.Server }

func APIVersion(ctx context.Context, srv *client.Server) (APIVersions, error) {
	v := APIVersions{Client: client.APIVersion}
	if srv == nil {
		return v, nil
	}
	info, err := srv.ServiceInfo(ctx)
	if err != nil {
		return v, err
	}
	v.Server = info.APIVersion
	return v, nil
}
