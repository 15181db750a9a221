package provisioning

// settingsSchema validates the per-device settings blob.
const settingsSchema = `{
	"$id": "settings",
	"type": "object",
	"properties": {
		"copy":             { "type": "boolean" },
		"nickname":         { "type": "string", "maxLength": 64 },
		"enabled":          { "type": "boolean" },
		"auto_copy":        { "type": "boolean" },
		"light_animations": { "type": "boolean" },
		"cache_time":       { "type": "number", "minimum": 0 },
		"muted":            { "type": "boolean" },
		"send_to_self":     { "type": "boolean" },
		"auto_ble":         { "type": "boolean" },
		"startup":          { "type": "boolean" },
		"destroy":          { "type": "boolean" }
	},
	"additionalProperties": false
}`
