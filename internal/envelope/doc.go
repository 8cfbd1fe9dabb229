// Package envelope implements the line-delimited wire format exchanged with a
// worker process.
//
// Every line on the worker's stdin or stdout carries exactly one envelope:
//
//	{"jsonrpc":"2.0","id":"01J...","method":"tools/list","params":{}}    // Call
//	{"jsonrpc":"2.0","id":"01J...","result":{"tools":[]}}                // Result
//	{"jsonrpc":"2.0","id":"01J...","error":{"code":-32601,"message":""}} // Result (failure)
//	{"jsonrpc":"2.0","method":"notifications/progress","params":{}}      // Notification
//
// Decode classifies a line into one of the three shapes and rejects lines that
// are not valid JSON or that violate the shape rules (for example a Result that
// carries both a result and an error).
package envelope
