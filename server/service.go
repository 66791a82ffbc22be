package server

import (
	"context"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// serviceMethod is one exported method usable as a handler.
type serviceMethod struct {
	fn        reflect.Value
	withCtx   bool
	argType   reflect.Type
	replyType reflect.Type
}

// newServiceMethods collects the exported methods of rcvr (a pointer to a struct) that
// have one of the forms
//
//	func (t *T) Method(args *Args, reply *Reply) error
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
func newServiceMethods(rcvr any) (string, map[string]*serviceMethod, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return "", nil, fmt.Errorf("server: service must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return "", nil, fmt.Errorf("server: service must point to a struct, got %s", typ.Elem().Kind())
	}
	name := typ.Elem().Name()
	val := reflect.ValueOf(rcvr)

	methods := make(map[string]*serviceMethod)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if sm := inspect(m.Type); sm != nil {
			sm.fn = val.Method(i)
			methods[m.Name] = sm
		}
	}
	if len(methods) == 0 {
		return "", nil, fmt.Errorf("server: %s has no exported methods of suitable type", name)
	}
	return name, methods, nil
}

// inspect checks a method type (receiver included) against the accepted forms.
func inspect(mt reflect.Type) *serviceMethod {
	if mt.NumOut() != 1 || mt.Out(0) != errorType {
		return nil
	}
	in := make([]reflect.Type, 0, 3)
	for i := 1; i < mt.NumIn(); i++ {
		in = append(in, mt.In(i))
	}
	sm := &serviceMethod{}
	if len(in) == 3 && in[0] == contextType {
		sm.withCtx = true
		in = in[1:]
	}
	if len(in) != 2 || in[0].Kind() != reflect.Ptr || in[1].Kind() != reflect.Ptr {
		return nil
	}
	sm.argType, sm.replyType = in[0].Elem(), in[1].Elem()
	return sm
}

// handler binds params into a fresh *Args, invokes the method and returns the filled
// *Reply as the result.
func (sm *serviceMethod) handler() Handler {
	return func(ctx context.Context, params any) (any, error) {
		argv := reflect.New(sm.argType)
		replyv := reflect.New(sm.replyType)
		if err := BindParams(params, argv.Interface()); err != nil {
			return nil, err
		}

		args := []reflect.Value{argv, replyv}
		if sm.withCtx {
			args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
		}
		if errv := sm.fn.Call(args)[0]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return replyv.Interface(), nil
	}
}

// RegisterService registers every suitable method of rcvr under "Type.Method".
func (d *Dispatcher) RegisterService(rcvr any) error {
	name, methods, err := newServiceMethods(rcvr)
	if err != nil {
		return err
	}
	for method, sm := range methods {
		d.Register(name+"."+method, sm.handler())
	}
	return nil
}
