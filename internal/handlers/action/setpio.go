package action

import (
	"github.com/jangala-dev/owmaster/internal/inventory"
	"github.com/jangala-dev/owmaster/internal/owerr"
	"github.com/jangala-dev/owmaster/internal/owtypes"
)

// setPIOAction drives another output channel on/off. Grounded in the
// source's event/action/setpio.py SetPioAction.
type setPIOAction struct {
	dev Outputter
	ch  inventory.Channel
	on  bool
}

func newSetPIOAction(inv *inventory.Inventory, spec Spec) (Action, error) {
	if spec.Target == "" {
		return nil, owerr.Config("setpio", "no target configured for action")
	}

	dev, ch, err := inv.ResolveTarget(spec.Target)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, owerr.Config("setpio", "no channel found in target "+spec.Target)
	}
	if !ch.IsOutput() {
		return nil, owerr.Config("setpio", "target channel not configured as output: "+spec.Target)
	}

	out, ok := dev.(Outputter)
	if !ok {
		return nil, owerr.Config("setpio", "target device does not support set_output: "+spec.Target)
	}

	var on bool
	switch spec.Method {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return nil, owerr.Config("setpio", "invalid setpio method: "+spec.Method)
	}

	return &setPIOAction{dev: out, ch: ch, on: on}, nil
}

func (a *setPIOAction) Run(owtypes.Event) error {
	return a.dev.SetOutput(a.ch, a.on)
}
