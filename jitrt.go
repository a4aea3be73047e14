// Package jitrt is a just-in-time runtime that compiles IR modules into
// executable code and dispatches calls into them from a host program.
//
// A client instantiates a JitExecutable from IR text, an entrypoint name
// and compilation options. On each invocation it assembles the ordered
// Arguments, obtains an Executable from the specialization cache
// (compiling one on a miss), and executes it with a ResultConverter that
// decodes the result cells back into host values:
//
//	jexec, err := jitrt.NewJitExecutable(source, "compute", jitrt.NewCompileConfig())
//	...
//	exec, err := jexec.GetExecutable(args)
//	...
//	results := jitrt.NewReturnedResults(exec.NumResults())
//	converter := jitrt.NewReturnValueConverter(results)
//	converter.AddConversion(jitrt.ReturnMemrefAsTensor)
//	err = exec.Execute(args, converter, jitrt.ExecuteOpts{})
package jitrt
