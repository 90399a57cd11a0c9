package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrMethodNotFound is returned for a method the service does not export.
var ErrMethodNotFound = errors.New("method not found")

// Invoker runs one method of a locally implemented service. Parameters
// arrive as the raw JSON values the client sent; the result goes back the
// same way.
type Invoker interface {
	Invoke(ctx context.Context, method string, paramTypes []string, params []json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, method string, paramTypes []string, params []json.RawMessage) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, method string, paramTypes []string, params []json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, paramTypes, params)
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method   reflect.Method
	withCtx  bool           // first parameter is a context.Context
	argTypes []reflect.Type // remaining parameters
	result   bool           // returns a value besides the optional error
	errOut   bool           // last return value is an error
}

// service is the reflective Invoker built from a receiver such as &Calc{}.
// Every exported method of one of these shapes is callable:
//
//	func (c *Calc) Add(a, b int) (int, error)
//	func (c *Calc) Add(ctx context.Context, a, b int) (int, error)
//	func (c *Calc) Reset() error
//	func (c *Calc) Name() string
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for callable methods. It fails when none is found.
func newService(rcvr any) (*service, error) {
	if rcvr == nil {
		return nil, errors.New("rpc: nil service implementation")
	}
	typ := reflect.TypeOf(rcvr)
	name := typ.Name()
	if typ.Kind() == reflect.Ptr {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: %s exports no callable method", typ)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if !method.IsExported() || mt.IsVariadic() || mt.NumOut() > 2 {
			continue
		}

		m := &methodType{method: method}
		in := 1 // skip the receiver
		if mt.NumIn() > 1 && mt.In(1) == contextType {
			m.withCtx = true
			in = 2
		}
		for ; in < mt.NumIn(); in++ {
			m.argTypes = append(m.argTypes, mt.In(in))
		}

		switch mt.NumOut() {
		case 1:
			if mt.Out(0) == errorType {
				m.errOut = true
			} else {
				m.result = true
			}
		case 2:
			if mt.Out(1) != errorType {
				continue
			}
			m.result, m.errOut = true, true
		}
		s.method[method.Name] = m
	}
}

// Methods returns the callable method names, sorted.
func (s *service) Methods() []string {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke decodes params into the declared argument types, calls the method
// and encodes its result. A panic in the method is returned as an error.
// paramTypes is informational; only the count is checked against params.
func (s *service) Invoke(ctx context.Context, name string, paramTypes []string, params []json.RawMessage) (out json.RawMessage, err error) {
	m, ok := s.method[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, s.name, name)
	}
	if len(params) != len(m.argTypes) {
		return nil, fmt.Errorf("rpc: %s.%s takes %d arguments, got %d", s.name, name, len(m.argTypes), len(params))
	}
	if len(paramTypes) != 0 && len(paramTypes) != len(params) {
		return nil, fmt.Errorf("rpc: %s.%s: %d parameter types for %d parameters", s.name, name, len(paramTypes), len(params))
	}

	args := make([]reflect.Value, 0, len(m.argTypes)+2)
	args = append(args, s.rcvr)
	if m.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, t := range m.argTypes {
		argv := reflect.New(t)
		if len(params[i]) > 0 {
			if err := json.Unmarshal(params[i], argv.Interface()); err != nil {
				return nil, fmt.Errorf("rpc: %s.%s argument %d: %w", s.name, name, i, err)
			}
		}
		args = append(args, argv.Elem())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: %s.%s panicked: %v", s.name, name, r)
		}
	}()
	results := m.method.Func.Call(args)

	if m.errOut {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	if !m.result {
		return nil, nil
	}
	out, err = json.Marshal(results[0].Interface())
	if err != nil {
		return nil, fmt.Errorf("rpc: %s.%s result: %w", s.name, name, err)
	}
	return out, nil
}
