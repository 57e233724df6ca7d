package provider

// Secrets is the credential store surface providers see: an opaque string
// key-value scoped per provider instance by naming convention
// ("{providerID}_access_token", "{providerID}:{instanceID}_token").
type Secrets interface {
	GetSecret(name string) (string, error)
	SetSecret(name, value string) error
	DeleteSecret(name string) error
}
