package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// narrative
	"narrative.started":   {},
	"narrative.completed": {},
	"narrative.failed":    {},
	"narrative.halted":    {},
	"narrative.loaded":    {},

	// act
	"act.started":   {},
	"act.completed": {},
	"act.failed":    {},

	// bot
	"bot.started":       {},
	"bot.halted":        {},
	"bot.triggered":     {},
	"bot.run.started":   {},
	"bot.run.completed": {},
	"bot.run.failed":    {},

	// server
	"server.started": {},
	"server.stopped": {},

	// driver
	"driver.connected":    {},
	"driver.disconnected": {},
	"driver.error":        {},

	// state
	"state.write.failed": {},
	"state.reloaded":     {},

	// system
	"system.startup":         {},
	"system.shutdown":        {},
	"system.error":           {},
	"system.startup_restore": {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
