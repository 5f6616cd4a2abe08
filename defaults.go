package ledgercache

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/unkn0wn-root/ledgercache/events"
	"github.com/unkn0wn-root/ledgercache/versionstore"
)

// withDefaults fills nil options. Interface fields are checked against nil
// only: some Hooks (MultiHooks) are not comparable.
func (o Options) withDefaults() Options {
	if o.Store == nil {
		o.Store = versionstore.NewLocal()
	}
	if o.Events == nil {
		o.Events = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = NopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = NopHooks{}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}
