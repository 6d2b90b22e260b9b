package engine

// Step names one node in a transition path (spec §4.6's "Sequence"
// columns). These are exactly the tokens the spec's transition table
// uses, not renamed or abbreviated further, so the table in
// legalHops below can be checked against the spec by inspection.
type Step string

const (
	StepValid   Step = "valid"
	StepInvalid Step = "invalid"
	StepClean   Step = "clean"
	StepDirty   Step = "dirty"

	StepCleanNoData Step = "clean_no_data"
	StepDirtyNoData Step = "dirty_no_data"

	StepReadHitCpfCacheStart Step = "read_hit_cpf_cache_start"
	StepReadHitCpfCacheEnd   Step = "read_hit_cpf_cache_end"

	StepReadMissCpfDevStartio Step = "read_miss_cpf_dev_startio"
	StepReadMissCpfDevEndio   Step = "read_miss_cpf_dev_endio"
	StepReadMissCptCacheEnd   Step = "read_miss_cpt_cache_end"

	StepWmissCptDevStartio Step = "wmiss_cpt_dev_startio"
	StepWmissCptDevEndio   Step = "wmiss_cpt_dev_endio"
	StepWmissCptCacheEnd   Step = "wmiss_cpt_cache_end"
	StepWmissCptCacheStart Step = "wmiss_cpt_cache_start"

	StepWhitCptDevStartio Step = "whit_cpt_dev_startio"
	StepWhitCptDevEndio   Step = "whit_cpt_dev_endio"
	StepWhitCptCacheEnd   Step = "whit_cpt_cache_end"

	StepPwhitCpfCacheStart Step = "pwhit_cpf_cache_start"
	StepPwhitCptDevStartio Step = "pwhit_cpt_dev_startio"
	StepPwhitCptDevEndio   Step = "pwhit_cpt_dev_endio"
	StepPwhitCptCacheEnd   Step = "pwhit_cpt_cache_end"

	StepDirtyWhitCptCacheStart Step = "dirty_whit_cpt_cache_start"
	StepDirtyWhitCptCacheEnd   Step = "dirty_whit_cpt_cache_end"

	StepDirtyPwhitCpfCacheStart Step = "dirty_pwhit_cpf_cache_start"
	StepDirtyPwhitCptCacheStart Step = "dirty_pwhit_cpt_cache_start"
	StepDirtyPwhitCptCacheEnd   Step = "dirty_pwhit_cpt_cache_end"

	StepDirtyInvalidateStart Step = "dirty_invalidate_start"
	StepDirtyInvalidateEnd   Step = "dirty_invalidate_end"

	StepDwcCptCacheStart Step = "dwc_cpt_cache_start"
	StepDwcCptCacheEnd   Step = "dwc_cpt_cache_end"

	StepDwcCpfOriginalCacheStart Step = "dwc_cpf_original_cache_start"
	StepDwcCptCloneCacheStart    Step = "dwc_cpt_clone_cache_start"
	StepDwcCptCloneCacheEnd      Step = "dwc_cpt_clone_cache_end"

	StepPwmissCpfDevStartio Step = "pwmiss_cpf_dev_startio"
	StepPwmissCpfDevEndio   Step = "pwmiss_cpf_dev_endio"
	StepPwmissCptDevEndio   Step = "pwmiss_cpt_dev_endio"
	StepPwmissCptCacheEnd   Step = "pwmiss_cpt_cache_end"

	StepWbCpfCacheStart  Step = "wb_cpf_cache_start"
	StepWbCpfCacheEnd    Step = "wb_cpf_cache_end"
	StepWbCptDevEndio    Step = "wb_cpt_dev_endio"
	StepWbUpdMetadataEnd Step = "wb_upd_metadata_end"

	StepWbInvCpfCacheStart  Step = "wb_inv_cpf_cache_start"
	StepWbInvCpfCacheEnd    Step = "wb_inv_cpf_cache_end"
	StepWbInvCptDevEndio    Step = "wb_inv_cpt_dev_endio"
	StepWbInvUpdMetadataEnd Step = "wb_inv_upd_metadata_end"

	StepCleanInvalidateStart Step = "clean_invalidate_start"
	StepCleanInvalidateEnd   Step = "clean_invalidate_end"
)

// hop is one legal (from, to) adjacency. legalHops is the centrally
// auditable transition table spec §4.6 requires ("any transition not on
// that list is a bug and must assert/fail"); it is exactly the spec's
// table rows split into consecutive pairs.
var legalHops = buildLegalHops([][]Step{
	{StepValid, StepReadHitCpfCacheStart, StepReadHitCpfCacheEnd, StepValid},
	{StepInvalid, StepCleanNoData, StepReadMissCpfDevStartio, StepReadMissCpfDevEndio, StepReadMissCptCacheEnd, StepClean},
	{StepInvalid, StepCleanNoData, StepWmissCptDevStartio, StepWmissCptDevEndio, StepWmissCptCacheEnd, StepClean},
	{StepInvalid, StepDirtyNoData, StepWmissCptCacheStart, StepWmissCptCacheEnd, StepDirty},
	{StepClean, StepWhitCptDevStartio, StepWhitCptDevEndio, StepWhitCptCacheEnd, StepClean},
	{StepClean, StepPwhitCpfCacheStart, StepPwhitCptDevStartio, StepPwhitCptDevEndio, StepPwhitCptCacheEnd, StepClean},
	{StepClean, StepDirtyWhitCptCacheStart, StepDirtyWhitCptCacheEnd, StepDirty},
	{StepClean, StepDirtyPwhitCpfCacheStart, StepDirtyPwhitCptCacheStart, StepDirtyPwhitCptCacheEnd, StepDirty},
	{StepDirty, StepDirtyInvalidateStart, StepDirtyInvalidateEnd, StepInvalid},
	{StepDirtyNoData, StepDwcCptCacheStart, StepDwcCptCacheEnd, StepDirty},
	{StepDirtyNoData, StepDwcCpfOriginalCacheStart, StepDwcCptCloneCacheStart, StepDwcCptCloneCacheEnd, StepDirty},
	{StepInvalid, StepCleanNoData, StepPwmissCpfDevStartio, StepPwmissCpfDevEndio, StepPwmissCptCacheEnd, StepClean},
	{StepInvalid, StepDirtyNoData, StepPwmissCpfDevStartio, StepPwmissCpfDevEndio, StepPwmissCptCacheEnd, StepDirty},
	{StepInvalid, StepCleanNoData, StepPwmissCpfDevStartio, StepPwmissCpfDevEndio, StepPwmissCptDevEndio, StepPwmissCptCacheEnd, StepClean},
	{StepDirty, StepWbCpfCacheStart, StepWbCpfCacheEnd, StepWbCptDevEndio, StepWbUpdMetadataEnd, StepClean},
	{StepDirty, StepWbInvCpfCacheStart, StepWbInvCpfCacheEnd, StepWbInvCptDevEndio, StepWbInvUpdMetadataEnd, StepInvalid},
	{StepClean, StepCleanInvalidateStart, StepCleanInvalidateEnd, StepInvalid},
})

func buildLegalHops(paths [][]Step) map[[2]Step]bool {
	hops := make(map[[2]Step]bool)

	for _, path := range paths {
		for i := 0; i+1 < len(path); i++ {
			hops[[2]Step{path[i], path[i+1]}] = true
		}
	}

	return hops
}

// checkHop asserts that from -> to is a legal adjacency, per the
// validation hook spec §4.6 requires. A failure here means the engine
// code itself drove a CB through an illegal transition: a programming
// bug, not a runtime condition, hence panic rather than a returned
// error (consistent with the directory package's ErrDuplicateSector).
func checkHop(from, to Step) {
	if !legalHops[[2]Step{from, to}] {
		panic("engine: illegal transition " + string(from) + " -> " + string(to))
	}
}
