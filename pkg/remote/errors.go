package remote

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/guido-cesarano/broadcastq/pkg/tasks"
)

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func rejection(resp *http.Response) *tasks.DispatchError {
	de := &tasks.DispatchError{StatusCode: resp.StatusCode, Reason: "Unknown error"}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return de
	}
	var body errorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		de.Reason = body.Error.Message
	}
	return de
}
