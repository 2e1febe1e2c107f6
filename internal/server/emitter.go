package server

import (
	"encoding/json"
	"reflect"

	"github.com/rs/zerolog"
	"github.com/zishang520/socket.io/v2/socket"
)

// emitter sends hub output through the socket.io server. Every socket is a
// member of the room named after its id.
type emitter struct {
	io     *socket.Server
	logger zerolog.Logger
}

func (e *emitter) Emit(socketID, event string, payload any) {
	if err := e.io.To(socket.Room(socketID)).Emit(event, toWire(payload)); err != nil {
		e.logger.Warn().Err(err).Str("socket", socketID).Str("event", event).Msg("emit failed")
	}
}

// toWire turns typed payloads into plain JSON values so the socket.io parser
// encodes them with their json tags.
func toWire(payload any) any {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v
}

// splitArgs separates the event payload from a trailing acknowledgement.
// String payloads holding JSON are accepted as sent by older clients.
func splitArgs(args []any) (json.RawMessage, func(any)) {
	var ack func(any)
	if n := len(args); n > 0 && args[n-1] != nil && reflect.TypeOf(args[n-1]).Kind() == reflect.Func {
		ack = wrapAck(args[n-1])
		args = args[:n-1]
	}
	if len(args) == 0 || args[0] == nil {
		return nil, ack
	}

	if s, ok := args[0].(string); ok && json.Valid([]byte(s)) {
		return json.RawMessage(s), ack
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, ack
	}
	return b, ack
}

// wrapAck adapts the transport's acknowledgement callback, whatever its
// exact signature, to a single-response function.
func wrapAck(fn any) func(any) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	return func(resp any) {
		wire := toWire(resp)

		if t.IsVariadic() && t.NumIn() == 1 {
			v.Call([]reflect.Value{valueFor(wire, t.In(0).Elem())})
			return
		}

		in := make([]reflect.Value, t.NumIn())
		for i := range in {
			in[i] = reflect.Zero(t.In(i))
		}
		if len(in) > 0 {
			list := reflect.ValueOf([]any{wire})
			switch {
			case list.Type().ConvertibleTo(t.In(0)):
				in[0] = list.Convert(t.In(0))
			default:
				in[0] = valueFor(wire, t.In(0))
			}
		}
		v.Call(in)
	}
}

func valueFor(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv
	}
	return reflect.Zero(t)
}
