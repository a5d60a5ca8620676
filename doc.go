// Package pyground is a Python scratchpad: every run executes in a fresh,
// isolated worker, and the editor contents can be packed into a URL
// fragment and shared.
//
// # Overview
//
// A worker is either a WebAssembly interpreter instance (the wasm backend,
// running a Python WASI build under wazero) or a child interpreter process
// (the process backend). The host talks to it with two commands, run and
// stop, and gets back output, error and done events.
//
// # Basic Usage
//
//	factory, _ := worker.NewWASM(ctx, python.New(python.WithModulePath("python.wasm")))
//	exec, _ := executor.New(factory)
//	defer exec.Close()
//
//	result := exec.Run(ctx, `print("hello")`, nil)
//	fmt.Println(result.Output)
//
// # Sharing
//
//	token := codec.Encode(source)
//	source, err := codec.Decode(token)
//
// See the [executor], [playground], [codec], [store] and [server] packages
// for detailed API documentation.
package pyground
