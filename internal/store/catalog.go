package store

// OverallTypeCodename is the synthetic sensor type under which the
// station-wide overall index is stored, alongside the real pollutant types.
const OverallTypeCodename = "Ogólny"

// sensorTypeCatalog seeds the sensor_type table.
var sensorTypeCatalog = []string{
	OverallTypeCodename,
	"SO2",
	"NO2",
	"PM10",
	"PM2.5",
	"O3",
}

// indexCategories seeds aq_index_category_name with the categorical index
// scale used by the remote source. -1 means the index was not computed.
var indexCategories = map[int]string{
	-1: "Brak wartości",
	0:  "Bardzo dobry",
	1:  "Dobry",
	2:  "Umiarkowany",
	3:  "Zły",
	4:  "Bardzo zły",
}
