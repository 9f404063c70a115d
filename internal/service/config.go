package service

import (
	"os"
	"strings"
	"time"

	"github.com/GemAppSec/CxDynEngine/internal/model"
)

const defaultHookTimeout = 10 * time.Minute

// CommandFromConfig converts the provisioner hook configuration. Values
// starting with $ are expanded from the environment, keys are uppercased.
// PATH of the current process is always passed to the hook.
func CommandFromConfig(cfg model.Command) (Command, error) {
	timeout, err := model.DurationOr(cfg.Timeout, defaultHookTimeout)
	if err != nil {
		return Command{}, err
	}
	env := make([]string, 0, len(cfg.Env)+1)
	env = append(env, "PATH="+os.Getenv("PATH"))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path:    cfg.Path,
		Args:    append([]string(nil), cfg.Args...),
		Env:     env,
		Timeout: timeout,
	}, nil
}
