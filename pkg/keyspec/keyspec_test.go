package keyspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopdb/sop/pkg/types"
)

func TestIndexComparator_S2Scenario(t *testing.T) {
	info := &types.StoreInfo{
		StoreName: "employees",
		KeyKind:   types.KeyKindComposite,
		IndexSpec: []types.IndexField{
			{FieldName: "region", Ascending: true},
			{FieldName: "department", Ascending: true},
			{FieldName: "employee_id", Ascending: true},
		},
	}
	cmp, err := NewComparator(info)
	require.NoError(t, err)
	ic := cmp.(*indexComparator)

	encode := func(region, department string, id int) []byte {
		return ic.EncodeKey(CompositeKey{
			{FieldName: "region", Encoded: []byte(region)},
			{FieldName: "department", Encoded: []byte(department)},
			{FieldName: "employee_id", Encoded: intBytes(id)},
		})
	}

	usEng101 := encode("US", "Eng", 101)
	usSales202 := encode("US", "Sales", 202)
	euEng102 := encode("EU", "Eng", 102)

	keys := [][]byte{usEng101, usSales202, euEng102}
	bubbleSort(keys, cmp)

	assert.Equal(t, euEng102, keys[0])
	assert.Equal(t, usEng101, keys[1])
	assert.Equal(t, usSales202, keys[2])
}

func TestIndexComparator_DescendingInvertsContribution(t *testing.T) {
	info := &types.StoreInfo{
		KeyKind: types.KeyKindComposite,
		IndexSpec: []types.IndexField{
			{FieldName: "priority", Ascending: false},
		},
	}
	cmp, err := NewComparator(info)
	require.NoError(t, err)
	ic := cmp.(*indexComparator)

	low := ic.EncodeKey(CompositeKey{{FieldName: "priority", Encoded: []byte{1}}})
	high := ic.EncodeKey(CompositeKey{{FieldName: "priority", Encoded: []byte{9}}})

	result, err := cmp.Compare(low, high)
	require.NoError(t, err)
	assert.Greater(t, result, 0, "descending field should sort higher values first")
}

func TestValidateImmutability_EmptyStoreAllowsChange(t *testing.T) {
	current := &types.StoreInfo{StoreName: "s", ItemCount: 0, SlotLength: 4}
	proposed := &types.StoreInfo{StoreName: "s", ItemCount: 0, SlotLength: 8}
	assert.NoError(t, ValidateImmutability(current, proposed))
}

func TestValidateImmutability_NonEmptyRejectsStructuralChange(t *testing.T) {
	current := &types.StoreInfo{StoreName: "s", ItemCount: 5, SlotLength: 4}
	proposed := &types.StoreInfo{StoreName: "s", ItemCount: 5, SlotLength: 8}
	assert.Error(t, ValidateImmutability(current, proposed))
}

func TestCELComparator_RejectsUncompilableExpression(t *testing.T) {
	_, err := NewCELComparator("this is not valid cel (((")
	assert.Error(t, err)
}

func TestCELComparator_EvaluatesPredicate(t *testing.T) {
	cmp, err := NewCELComparator(`mapX.id < mapY.id ? -1 : (mapX.id == mapY.id ? 0 : 1)`)
	require.NoError(t, err)
	cc := cmp.(*celComparator)

	result, err := cc.CompareMaps(map[string]any{"id": int64(1)}, map[string]any{"id": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, -1, result)
}

func intBytes(i int) []byte {
	return []byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)}
}

func bubbleSort(keys [][]byte, cmp Comparator) {
	for i := 0; i < len(keys); i++ {
		for j := 0; j < len(keys)-i-1; j++ {
			c, _ := cmp.Compare(keys[j], keys[j+1])
			if c > 0 {
				keys[j], keys[j+1] = keys[j+1], keys[j]
			}
		}
	}
}
