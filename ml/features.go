package ml

import (
	"gonum.org/v1/gonum/mat"

	spendErrors "spendwise/pkg/errors"
)

// FeatureCount is the width of the model input.
const FeatureCount = 9

// TargetName is the column the model predicts.
const TargetName = "miscellaneous"

var featureNames = [FeatureCount]string{
	"monthly_income",
	"financial_aid",
	"tuition",
	"housing",
	"food",
	"transportation",
	"books_supplies",
	"entertainment",
	"personal_care",
}

// FeatureRecord is one student's monthly budget, in the fixed input order.
type FeatureRecord struct {
	MonthlyIncome  float64 `json:"monthly_income"`
	FinancialAid   float64 `json:"financial_aid"`
	Tuition        float64 `json:"tuition"`
	Housing        float64 `json:"housing"`
	Food           float64 `json:"food"`
	Transportation float64 `json:"transportation"`
	BooksSupplies  float64 `json:"books_supplies"`
	Entertainment  float64 `json:"entertainment"`
	PersonalCare   float64 `json:"personal_care"`
}

// LabeledRecord pairs a FeatureRecord with its observed target.
type LabeledRecord struct {
	FeatureRecord
	Miscellaneous float64 `json:"miscellaneous"`
}

// FeatureNames returns the input columns in model order.
func FeatureNames() []string {
	return append([]string(nil), featureNames[:]...)
}

// RequiredColumns returns the input columns followed by the target column.
func RequiredColumns() []string {
	return append(FeatureNames(), TargetName)
}

// FeatureVector flattens a record in FeatureNames order.
func FeatureVector(r FeatureRecord) []float64 {
	return []float64{
		r.MonthlyIncome,
		r.FinancialAid,
		r.Tuition,
		r.Housing,
		r.Food,
		r.Transportation,
		r.BooksSupplies,
		r.Entertainment,
		r.PersonalCare,
	}
}

// RecordFromVector is the inverse of FeatureVector.
func RecordFromVector(v []float64) (FeatureRecord, error) {
	if len(v) != FeatureCount {
		return FeatureRecord{}, spendErrors.NewValidationError("RecordFromVector", "expected 9 values")
	}
	return FeatureRecord{
		MonthlyIncome:  v[0],
		FinancialAid:   v[1],
		Tuition:        v[2],
		Housing:        v[3],
		Food:           v[4],
		Transportation: v[5],
		BooksSupplies:  v[6],
		Entertainment:  v[7],
		PersonalCare:   v[8],
	}, nil
}

// DesignMatrix builds the (n x 9) feature matrix and the (n x 1) target
// matrix for records. It returns nil matrices for an empty slice.
func DesignMatrix(records []LabeledRecord) (*mat.Dense, *mat.Dense) {
	if len(records) == 0 {
		return nil, nil
	}
	X := mat.NewDense(len(records), FeatureCount, nil)
	y := mat.NewDense(len(records), 1, nil)
	for i, rec := range records {
		X.SetRow(i, FeatureVector(rec.FeatureRecord))
		y.Set(i, 0, rec.Miscellaneous)
	}
	return X, y
}
