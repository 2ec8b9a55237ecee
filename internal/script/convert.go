package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/kalambet/jreplay/internal/timeline"
)

// itemTable exposes the fields a predicate can look at.
func itemTable(L *lua.LState, it timeline.Item) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "index", lua.LNumber(it.Index))
	L.SetField(tbl, "stepId", lua.LString(it.ID))
	L.SetField(tbl, "name", lua.LString(it.Name))
	L.SetField(tbl, "type", lua.LString(it.Type))
	L.SetField(tbl, "description", lua.LString(it.Description))
	L.SetField(tbl, "status", lua.LString(it.Status))
	L.SetField(tbl, "startTime", lua.LNumber(it.StartTime))
	L.SetField(tbl, "endTime", lua.LNumber(it.EndTime))
	L.SetField(tbl, "durationMs", lua.LNumber(it.DurationMs))
	L.SetField(tbl, "tokensUsed", lua.LNumber(it.TokensUsed))
	L.SetField(tbl, "costMicros", lua.LNumber(it.CostMicros))
	L.SetField(tbl, "percentOfTotal", lua.LNumber(it.PercentOfTotal))
	L.SetField(tbl, "retryCount", lua.LNumber(it.RetryCount))
	L.SetField(tbl, "decision", lua.LString(it.Decision))
	L.SetField(tbl, "isAI", lua.LBool(it.IsAI))
	L.SetField(tbl, "isDecision", lua.LBool(it.IsDecision))
	L.SetField(tbl, "hasError", lua.LBool(it.HasError))
	L.SetField(tbl, "hasFallback", lua.LBool(it.HasFallback))
	L.SetField(tbl, "isBottleneck", lua.LBool(it.IsBottleneck))

	if it.AILog != nil {
		L.SetField(tbl, "model", lua.LString(it.AILog.ModelID))
		if it.AILog.Confidence != nil {
			L.SetField(tbl, "confidence", lua.LNumber(*it.AILog.Confidence))
		}
	}

	codes := L.NewTable()
	for i, e := range it.Errors {
		L.SetTable(codes, lua.LNumber(i+1), lua.LString(e.ErrorCode))
	}
	L.SetField(tbl, "errorCodes", codes)

	anomalies := L.NewTable()
	for i, a := range it.Anomalies {
		L.SetTable(anomalies, lua.LNumber(i+1), lua.LString(a))
	}
	L.SetField(tbl, "anomalies", anomalies)

	if it.Snapshot != nil {
		L.SetField(tbl, "snapshot", goToLua(L, it.Snapshot.AsValue().Any()))
	}
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}
