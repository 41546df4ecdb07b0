package models

// ServiceItem is a bookable design, class or event read from the catalog file.
// Price is kept in minor currency units.
type ServiceItem struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	ServiceType ServiceType `yaml:"service_type" json:"service_type"`
	Price       int64       `yaml:"price" json:"price"`
	Currency    string      `yaml:"currency" json:"currency"`
	IsActive    bool        `yaml:"is_active" json:"is_active"`
}
