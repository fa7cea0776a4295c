package model

// Canonical field names shared by every datasource type.
const (
	FieldID                    = "id"
	FieldTitle                 = "title"
	FieldURL                   = "url"
	FieldImpactedStakeholders  = "impactedStakeholders"
	FieldSubmitterName         = "submitterName"
	FieldSubmitterDepartment   = "submitterDepartment"
	FieldSubmitterPriority     = "submitterPriority"
	FieldShortDescription      = "shortDescription"
	FieldLongDescription       = "longDescription"
	FieldCriticality           = "criticality"
	FieldDisposition           = "disposition"
	FieldExecutiveSponsor      = "executiveSponsor"
	FieldStartDate             = "startDate"
	FieldEndDate               = "endDate"
	FieldRequestedDeliveryDate = "requestedDeliveryDate"
	FieldTShirtSize            = "tShirtSize"
	FieldPillar                = "pillar"
	FieldRegion                = "region"
	FieldExpenseType           = "expenseType"
	FieldPointOfContact        = "pointOfContact"
	FieldLead                  = "lead"
	FieldTags                  = "tags"
)

// CSVColumns is the fixed column order used when exporting items as CSV.
var CSVColumns = []string{
	FieldID, FieldTitle, FieldURL, FieldImpactedStakeholders,
	FieldSubmitterName, FieldSubmitterDepartment, FieldSubmitterPriority,
	FieldShortDescription, FieldLongDescription, FieldCriticality,
	FieldDisposition, FieldExecutiveSponsor, FieldStartDate, FieldEndDate,
	FieldRequestedDeliveryDate, FieldTShirtSize, FieldPillar, FieldRegion,
	FieldExpenseType, FieldPointOfContact, FieldLead,
}

// ItemFields lists every canonical field name, including tags.
var ItemFields = append(append([]string{}, CSVColumns...), FieldTags)

// T-shirt size values. The empty string means "unsized".
const (
	SizeXS = "XS"
	SizeS  = "S"
	SizeM  = "M"
	SizeL  = "L"
)

// RoadmapItem is the canonical unit every datasource normalizes into.
// Absent source data is always the empty string.
type RoadmapItem struct {
	ID                    string `json:"id"`
	Title                 string `json:"title"`
	URL                   string `json:"url"`
	ImpactedStakeholders  string `json:"impactedStakeholders"`
	SubmitterName         string `json:"submitterName"`
	SubmitterDepartment   string `json:"submitterDepartment"`
	SubmitterPriority     string `json:"submitterPriority"`
	ShortDescription      string `json:"shortDescription"`
	LongDescription       string `json:"longDescription"`
	Criticality           string `json:"criticality"`
	Disposition           string `json:"disposition"`
	ExecutiveSponsor      string `json:"executiveSponsor"`
	StartDate             string `json:"startDate"`
	EndDate               string `json:"endDate"`
	RequestedDeliveryDate string `json:"requestedDeliveryDate"`
	TShirtSize            string `json:"tShirtSize"`
	Pillar                string `json:"pillar"`
	Region                string `json:"region"`
	ExpenseType           string `json:"expenseType"`
	PointOfContact        string `json:"pointOfContact"`
	Lead                  string `json:"lead"`
	Tags                  string `json:"tags"`
}

// IsField reports whether name is a canonical item field.
func IsField(name string) bool {
	return fieldPtr(&RoadmapItem{}, name) != nil
}

// Get returns the value of the named canonical field. Unknown names
// yield "" and false.
func (it *RoadmapItem) Get(field string) (string, bool) {
	p := fieldPtr(it, field)
	if p == nil {
		return "", false
	}
	return *p, true
}

// Set assigns the named canonical field and reports whether the name
// was recognized.
func (it *RoadmapItem) Set(field, value string) bool {
	p := fieldPtr(it, field)
	if p == nil {
		return false
	}
	*p = value
	return true
}

func fieldPtr(it *RoadmapItem, field string) *string {
	switch field {
	case FieldID:
		return &it.ID
	case FieldTitle:
		return &it.Title
	case FieldURL:
		return &it.URL
	case FieldImpactedStakeholders:
		return &it.ImpactedStakeholders
	case FieldSubmitterName:
		return &it.SubmitterName
	case FieldSubmitterDepartment:
		return &it.SubmitterDepartment
	case FieldSubmitterPriority:
		return &it.SubmitterPriority
	case FieldShortDescription:
		return &it.ShortDescription
	case FieldLongDescription:
		return &it.LongDescription
	case FieldCriticality:
		return &it.Criticality
	case FieldDisposition:
		return &it.Disposition
	case FieldExecutiveSponsor:
		return &it.ExecutiveSponsor
	case FieldStartDate:
		return &it.StartDate
	case FieldEndDate:
		return &it.EndDate
	case FieldRequestedDeliveryDate:
		return &it.RequestedDeliveryDate
	case FieldTShirtSize:
		return &it.TShirtSize
	case FieldPillar:
		return &it.Pillar
	case FieldRegion:
		return &it.Region
	case FieldExpenseType:
		return &it.ExpenseType
	case FieldPointOfContact:
		return &it.PointOfContact
	case FieldLead:
		return &it.Lead
	case FieldTags:
		return &it.Tags
	}
	return nil
}
