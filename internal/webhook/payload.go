package webhook

// Payload is the body Microsoft Graph posts to the notification URL
type Payload struct {
	Value            []ChangeNotification `json:"value"`
	ValidationTokens []string             `json:"validationTokens,omitempty"`
}

// ChangeNotification is one entry of a Graph notification batch
type ChangeNotification struct {
	SubscriptionID                 string        `json:"subscriptionId"`
	SubscriptionExpirationDateTime string        `json:"subscriptionExpirationDateTime,omitempty"`
	ChangeType                     string        `json:"changeType"`
	Resource                       string        `json:"resource"`
	ClientState                    string        `json:"clientState"`
	TenantID                       string        `json:"tenantId,omitempty"`
	ResourceData                   *ResourceData `json:"resourceData,omitempty"`
}

type ResourceData struct {
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
	ID        string `json:"id,omitempty"`
}
