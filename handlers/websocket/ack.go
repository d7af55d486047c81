package websocket

import (
	"fmt"
	"reflect"

	socketio "github.com/zishang520/socket.io/v2/socket"
)

// reply answers a client event. Clients may pass an acknowledgement callback
// as the last event argument. Its signature depends on the client, so it is
// called through reflection with (err, payload) fitted to its parameters.
type reply struct {
	socket *socketio.Socket
	event  string
	fn     reflect.Value
}

// newReply splits a trailing callback off datas. On success the payload is
// also emitted to the socket as event, unless event is empty.
func newReply(socket *socketio.Socket, event string, datas []any) (reply, []any) {
	r := reply{socket: socket, event: event}
	if n := len(datas); n > 0 && datas[n-1] != nil {
		if fn := reflect.ValueOf(datas[n-1]); fn.Kind() == reflect.Func {
			r.fn = fn
			datas = datas[:n-1]
		}
	}
	return r, datas
}

func (r reply) hasCallback() bool {
	return r.fn.IsValid()
}

func (r reply) ok(payload map[string]any) {
	r.call(nil, payload)
	if r.socket != nil && r.event != "" {
		_ = r.socket.Emit(r.event, payload)
	}
}

func (r reply) fail(err error) {
	r.call(err, map[string]any{
		"status": "error",
		"error":  err.Error(),
	})
}

// call invokes the callback. A one-parameter callback gets the error when
// there is one and the payload otherwise.
func (r reply) call(err error, payload map[string]any) {
	if !r.hasCallback() {
		return
	}
	typ := r.fn.Type()
	in := make([]reflect.Value, typ.NumIn())
	for i := range in {
		var v any
		switch {
		case len(in) == 1 && err != nil:
			v = err
		case len(in) == 1, i == 1:
			v = payload
		case i == 0 && err != nil:
			v = err
		}
		in[i] = fit(v, typ.In(i))
	}
	r.fn.Call(in)
}

// fit converts v to t, or returns t's zero value when it cannot.
func fit(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(t):
		return rv
	case t.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(v)).Convert(t)
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String:
		if m, ok := v.(map[string]any); ok {
			return fitMap(m, t)
		}
	case rv.Type().ConvertibleTo(t):
		return rv.Convert(t)
	}
	return reflect.Zero(t)
}

// fitMap copies the entries of m whose values fit t's element type. Values
// are only converted within the same kind, so a count never becomes a rune.
func fitMap(m map[string]any, t reflect.Type) reflect.Value {
	elem := t.Elem()
	out := reflect.MakeMapWithSize(t, len(m))
	for key, val := range m {
		if val == nil {
			continue
		}
		rv := reflect.ValueOf(val)
		switch {
		case rv.Type().AssignableTo(elem):
		case rv.Kind() == elem.Kind() && rv.Type().ConvertibleTo(elem):
			rv = rv.Convert(elem)
		default:
			continue
		}
		out.SetMapIndex(reflect.ValueOf(key).Convert(t.Key()), rv)
	}
	return out
}
