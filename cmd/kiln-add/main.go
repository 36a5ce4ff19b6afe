// Command kiln-add is an example handler program. It adds the integers a and
// b of each job, reporting progress halfway.
//
// Build it into a handler directory and register it:
//
//	go build -o handlers/add.exe ./cmd/kiln-add
//
// and in kiln.yaml:
//
//	handlers:
//	  add: ./handlers/add
package main

import (
	"context"
	"os"

	"github.com/seantiz/kiln/pkg/handler"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

func add(_ context.Context, job handler.Job, report handler.ReportFunc) (any, error) {
	var in addInput
	if err := job.Decode(&in); err != nil {
		return nil, handler.NewError("ValidationError", "data must be {\"a\": int, \"b\": int}", map[string]any{"cause": err.Error()})
	}
	if err := report(50); err != nil {
		return nil, err
	}
	return in.A + in.B, nil
}

func main() {
	srv := handler.New(os.Stdin, os.Stdout)
	if err := srv.Serve(context.Background(), add); err != nil {
		srv.Logger().WithError(err).Error("handler stopped")
		os.Exit(1)
	}
}
