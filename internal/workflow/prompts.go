package workflow

// Default instructions for the document workflows. Callers may pass their
// own; an empty prompt selects the default.
const (
	SummarizePrompt = `Summarize the attached document. Include the parties involved, the dates, ` +
		`the line items and the totals, and call out anything unusual.`

	SchemaPrompt = `Design a tool specification for extracting the important fields of documents like the attached one.
Respond with a single JSON object and nothing else, in this shape:

{"tools": [{"toolSpec": {"name": "<snake_case_name>", "description": "<what one call captures>",
  "inputSchema": {"json": {"type": "object", "properties": {...}, "required": [...]}}}}]}

Use JSON Schema types (string, number, integer, boolean, array, object). Model repeated line items as an
array of objects. Mark a field as required only when every such document has it.`

	ExtractPrompt = `Extract the fields of the attached document by calling the provided tool. ` +
		`Use exactly the values printed in the document; leave out fields that are not present.`

	askTemplate = `You are given records extracted from a set of documents, as a JSON array:

%s

Answer the following question using only these records. Be concise.

Question: %s`
)

func or(prompt, def string) string {
	if prompt == "" {
		return def
	}
	return prompt
}
