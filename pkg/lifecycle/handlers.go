package lifecycle

import (
	"context"

	"github.com/socialgouv/fcpd-server/pkg/fudi"
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

// registerHandlers answers the messages the client patch and the close
// detection object send over the bridge
func (f *Facade) registerHandlers() error {
	router := f.server.Router()

	if err := router.Handle(f.editor.HandleEndEdit, "endedit"); err != nil {
		return err
	}

	if err := router.Handle(func(context.Context, fudi.Message) (interface{}, error) {
		includes := f.ListIncludes()
		names := make([]string, 0, len(includes))
		for _, inc := range includes {
			names = append(names, inc.Name)
		}
		return names, nil
	}, "includes"); err != nil {
		return err
	}

	// unknown verbs are answered with None, as before, but leave a trace
	router.SetDefault(func(_ context.Context, msg fudi.Message) (interface{}, error) {
		f.logger.WithField(logger.FieldMethod, msg.Verb()).Debug("No handler for message")
		return nil, nil
	})

	f.logger.WithField("verbs", router.Verbs()).Debug("Bridge handlers registered")
	return nil
}
