package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorsExposedAfterInit(t *testing.T) {
	Init()
	Init()

	ObserveInference("model-a", "success", 1500*time.Millisecond)
	IncToolInvocation("extract_invoice")
	ObserveAttachment("pdf", 2048)
	AddRecords(2)
	IncSchemaParseFailure()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `docinfer_inference_requests_total{model="model-a",result="success"} 1`)
	assert.Contains(t, body, `docinfer_tool_invocations_total{tool="extract_invoice"} 1`)
	assert.Contains(t, body, "docinfer_records_extracted_total 2")
	assert.Contains(t, body, "docinfer_schema_parse_failures_total 1")
	assert.Contains(t, body, `docinfer_attachment_bytes_count{format="pdf"} 1`)
}
