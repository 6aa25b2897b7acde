package action

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/google/shlex"

	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

const shellTimeout = 30 * time.Second

// shellAction runs an arbitrary command, capturing its combined output;
// that output is returned inside the error when the command fails and is
// discarded when it succeeds. Grounded in the source's event/action/shell.py
// ShellAction, with shell=True's string replaced by shlex field
// splitting and a direct exec.Command rather than invoking a shell, so a
// misconfigured command string cannot smuggle in shell metacharacters.
type shellAction struct {
	command string
	fields  []string
}

func newShellAction(_ *inventory.Inventory, spec Spec) (Action, error) {
	command := spec.Command
	if command == "" {
		command = spec.Target
	}
	if command == "" {
		return nil, owerr.Config("shell", "no command configured for action")
	}
	fields, err := shlex.Split(command)
	if err != nil || len(fields) == 0 {
		return nil, owerr.Config("shell", "cannot parse command: "+command)
	}
	return &shellAction{command: command, fields: fields}, nil
}

func (a *shellAction) Run(owtypes.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.fields[0], a.fields[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return owerr.Proto("shell", out.String(), err)
	}
	return nil
}
