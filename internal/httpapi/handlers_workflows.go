package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/api/workflowservice/v1"
)

// WorkflowsListHandler lists Temporal workflow executions via the visibility
// API. With Temporal disabled it reports an empty list rather than an error
// so dashboards degrade quietly.
func WorkflowsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			writeJSON(w, http.StatusOK, map[string]any{"workflows": []any{}, "temporal_enabled": false})
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		query := ""
		if status := r.URL.Query().Get("status"); status != "" {
			query = "ExecutionStatus = '" + status + "'"
		}

		resp, err := d.TemporalClient.ListWorkflow(r.Context(), &workflowservice.ListWorkflowExecutionsRequest{
			PageSize: int32(limit),
			Query:    query,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "temporal_error", err.Error())
			return
		}

		var workflows []map[string]any
		for _, exec := range resp.Executions {
			wf := map[string]any{
				"workflow_id": exec.Execution.WorkflowId,
				"run_id":      exec.Execution.RunId,
				"type":        exec.Type.Name,
				"status":      exec.Status.String(),
				"start_time":  exec.StartTime.AsTime().Format(time.RFC3339),
			}
			if exec.CloseTime != nil {
				wf["close_time"] = exec.CloseTime.AsTime().Format(time.RFC3339)
				wf["duration_ms"] = exec.CloseTime.AsTime().Sub(exec.StartTime.AsTime()).Milliseconds()
			}
			workflows = append(workflows, wf)
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows, "temporal_enabled": true})
	}
}

// WorkflowDescribeHandler reports one workflow execution by ID.
func WorkflowDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			writeError(w, http.StatusServiceUnavailable, ErrTypeInternal, "temporal_disabled", "temporal is not enabled")
			return
		}
		workflowID := chi.URLParam(r, "id")
		if workflowID == "" {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_request", "workflow id required")
			return
		}

		desc, err := d.TemporalClient.DescribeWorkflowExecution(r.Context(), workflowID, "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "temporal_error", err.Error())
			return
		}

		info := desc.WorkflowExecutionInfo
		out := map[string]any{
			"workflow_id": info.Execution.WorkflowId,
			"run_id":      info.Execution.RunId,
			"type":        info.Type.Name,
			"status":      info.Status.String(),
			"start_time":  info.StartTime.AsTime().Format(time.RFC3339),
		}
		if info.CloseTime != nil {
			out["close_time"] = info.CloseTime.AsTime().Format(time.RFC3339)
			out["duration_ms"] = info.CloseTime.AsTime().Sub(info.StartTime.AsTime()).Milliseconds()
		}
		writeJSON(w, http.StatusOK, out)
	}
}
