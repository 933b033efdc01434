package cli

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/ChuLiYu/spot-teleop/pkg/types"
)

// Control keys.
const (
	keyCtrlC  = 3
	keyTab    = '\t'
	keyEscape = 27
)

// keyMap binds operator keys to intents.
var keyMap = map[rune]types.Intent{
	keyEscape: types.IntentStop,
	keyTab:    types.IntentQuit,
	'T':       types.IntentToggleTimeSync,
	' ':       types.IntentToggleEstop,
	'l':       types.IntentToggleLease,
	'p':       types.IntentTogglePower,
	'P':       types.IntentTogglePower,
	'r':       types.IntentSelfRight,
	'b':       types.IntentBatteryChangePose,
	'v':       types.IntentSit,
	'f':       types.IntentStand,
	'w':       types.IntentMoveForward,
	's':       types.IntentMoveBackward,
	'a':       types.IntentStrafeLeft,
	'd':       types.IntentStrafeRight,
	'q':       types.IntentTurnLeft,
	'e':       types.IntentTurnRight,
	'c':       types.IntentCircle,
	'u':       types.IntentArmReady,
	'j':       types.IntentArmStow,
	'g':       types.IntentWiggle,
	't':       types.IntentSway,
	'o':       types.IntentReturnToOrigin,
}

// intentFor maps a key to its intent. Unbound keys pass through as their own
// name so the dispatcher can report them.
func intentFor(k rune) types.Intent {
	if intent, ok := keyMap[k]; ok {
		return intent
	}
	return types.Intent(string(k))
}

// readKeys sends every key read from r to keys until EOF or ctx ends.
// Line endings are skipped.
func readKeys(ctx context.Context, r io.Reader, keys chan<- rune) error {
	br := bufio.NewReader(r)
	for {
		k, _, err := br.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if k == '\n' || k == '\r' {
			continue
		}
		select {
		case keys <- k:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// translate turns keys into intents until keys closes or ctx ends. Ctrl-C
// from a raw terminal calls interrupt instead.
func translate(ctx context.Context, keys <-chan rune, intents chan<- types.Intent, interrupt func()) {
	defer close(intents)
	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-keys:
			if !ok {
				return
			}
			if k == keyCtrlC {
				interrupt()
				return
			}
			select {
			case intents <- intentFor(k):
			case <-ctx.Done():
				return
			}
		}
	}
}
