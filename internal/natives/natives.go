// Package natives implements the standard native-function registry
// every embedding needs (§4.8, §6, §8 scenario 6): `to_str`, `print`
// and `crash` always, plus optional `read_file`/`write_file` wired to
// the embedder's fileio hooks. `len` is not here - the compiler
// special-cases it directly to the LEN opcode (§4.7) rather than
// routing it through a host global.
package natives

import (
	"fmt"
	"io"
	"strings"

	"sentra/internal/errors"
	"sentra/internal/value"
)

// Registry builds the standard native functions bound to a heap, a
// host-injected stdout writer (§6's "inject stdout-write hook"), and
// optionally the fileio.read_file/fileio.write_file hooks.
type Registry struct {
	heap      *value.Heap
	stdout    io.Writer
	readFile  func(string) ([]byte, error)
	writeFile func(string, []byte) error
}

func NewRegistry(heap *value.Heap, stdout io.Writer) *Registry {
	return &Registry{heap: heap, stdout: stdout}
}

// WithFileIO arms read_file/write_file against the embedder's fileio
// hooks (§6); either argument may be nil to leave that one native
// unregistered. Returns r for chaining at construction time.
func (r *Registry) WithFileIO(read func(string) ([]byte, error), write func(string, []byte) error) *Registry {
	r.readFile = read
	r.writeFile = write
	return r
}

// Names is the registry's ordered name list - the exact list the
// Compiler's host-global parameter and the VM's GlobalStore must both
// be constructed from, in this order.
func (r *Registry) Names() []string {
	names := []string{"to_str", "print", "crash"}
	if r.readFile != nil {
		names = append(names, "read_file")
	}
	if r.writeFile != nil {
		names = append(names, "write_file")
	}
	return names
}

func (r *Registry) Values() []value.Value {
	vals := []value.Value{
		r.heap.NewNative(&value.NativeData{Name: "to_str", Fn: r.toStr}),
		r.heap.NewNative(&value.NativeData{Name: "print", Fn: r.print}),
		r.heap.NewNative(&value.NativeData{Name: "crash", Fn: r.crash}),
	}
	if r.readFile != nil {
		vals = append(vals, r.heap.NewNative(&value.NativeData{Name: "read_file", Fn: r.readFileNative}))
	}
	if r.writeFile != nil {
		vals = append(vals, r.heap.NewNative(&value.NativeData{Name: "write_file", Fn: r.writeFileNative}))
	}
	return vals
}

func (r *Registry) readFileNative(args []value.Value) (value.Value, error) {
	if len(args) != 1 || !args[0].IsString() {
		return value.Null, fmt.Errorf("read_file expects 1 string argument")
	}
	data, err := r.readFile(args[0].Object().Str.Str)
	if err != nil {
		return value.Null, err
	}
	return r.heap.NewString(string(data)), nil
}

func (r *Registry) writeFileNative(args []value.Value) (value.Value, error) {
	if len(args) != 2 || !args[0].IsString() || !args[1].IsString() {
		return value.Null, fmt.Errorf("write_file expects 2 string arguments")
	}
	if err := r.writeFile(args[0].Object().Str.Str, []byte(args[1].Object().Str.Str)); err != nil {
		return value.Null, err
	}
	return value.Null, nil
}

func (r *Registry) toStr(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, fmt.Errorf("to_str expects 1 argument, got %d", len(args))
	}
	return r.heap.NewString(value.Stringify(args[0])), nil
}

func (r *Registry) print(args []value.Value) (value.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = value.Stringify(a)
	}
	fmt.Fprintln(r.stdout, strings.Join(parts, " "))
	return value.Null, nil
}

// crash raises a User-kind error (§7) carrying the caller's message
// verbatim - the VM leaves a User-kind native error's position alone
// rather than stamping the current source position onto it.
func (r *Registry) crash(args []value.Value) (value.Value, error) {
	msg := "crash"
	if len(args) > 0 {
		msg = value.Stringify(args[0])
	}
	return value.Null, errors.New(errors.User, errors.Position{}, "%s", msg)
}
