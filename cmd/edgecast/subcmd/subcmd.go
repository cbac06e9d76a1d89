// Support sub-commands in edgecast application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/iotproject/edgecast/config"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// Env is shared by all sub-commands. Alive.Stop cancels ctx passed to Main.
type Env struct {
	Log    *log2.Log
	Config *config.Config
	Alive  *alive.Alive
}

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *Env) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command, expected one of: %s", Names(modules))
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s', expected one of: %s", command, Names(modules))
	}
	return found, nil
}

func Names(modules []Mod) string {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	return strings.Join(names, ", ")
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// Go runs f as alive task, task end stops whole application.
func (env *Env) Go(name string, f func() error) bool {
	if !env.Alive.Add(1) {
		return false
	}
	go func() {
		defer env.Alive.Done()
		defer env.Alive.Stop()
		if err := f(); err != nil && errors.Cause(err) != context.Canceled {
			env.Log.Errorf("%s err=%v", name, errors.ErrorStack(err))
		}
	}()
	return true
}
